package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/dissertation-eval-api/internal/dto"
	"github.com/noah-isme/dissertation-eval-api/internal/observability"
	"github.com/noah-isme/dissertation-eval-api/pkg/ai"
)

// EvaluationState is the terminal state of one evaluation run.
type EvaluationState string

const (
	StateComplete  EvaluationState = "complete"
	StateCancelled EvaluationState = "cancelled"
	StateError     EvaluationState = "error"
)

const recordTimeout = 10 * time.Second

var errSessionCancelled = errors.New("session cancelled")

// EvaluationOutcome aggregates the results of a session.
type EvaluationOutcome struct {
	SessionID      string
	Name           string
	Degree         string
	Topic          string
	ExpertFeedback string
	Criteria       dto.CriteriaEvaluations
	TotalScore     float64
}

// CompleteData returns the final aggregate sent to the client.
func (o EvaluationOutcome) CompleteData() dto.CompleteData {
	return dto.CompleteData{
		CriteriaEvaluations: o.Criteria,
		TotalScore:          o.TotalScore,
		Name:                o.Name,
		Degree:              o.Degree,
		Topic:               o.Topic,
	}
}

// OutcomeRecorder persists completed outcomes.
type OutcomeRecorder interface {
	Record(ctx context.Context, outcome EvaluationOutcome) error
}

// StreamingEvaluator drives one session through metadata, per-criterion
// streaming analysis and scoring, and completion.
type StreamingEvaluator struct {
	generator ai.Generator
	recorder  OutcomeRecorder
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewStreamingEvaluator builds an evaluator. recorder may be nil.
func NewStreamingEvaluator(generator ai.Generator, recorder OutcomeRecorder, logger zerolog.Logger) *StreamingEvaluator {
	return &StreamingEvaluator{
		generator: generator,
		recorder:  recorder,
		logger:    logger.With().Str("component", "streaming_evaluator").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/dissertation-eval-api/internal/service/evaluator"),
	}
}

// Run evaluates request on channel until it completes, fails or token is cancelled.
func (e *StreamingEvaluator) Run(channel Channel, request dto.EvaluationRequest, token *CancellationToken) (EvaluationState, EvaluationOutcome) {
	outcome := EvaluationOutcome{
		SessionID:      request.SessionID,
		Name:           request.PreAnalysis.Name,
		Degree:         request.PreAnalysis.Degree,
		Topic:          request.PreAnalysis.Topic,
		ExpertFeedback: request.ExpertFeedback(),
		Criteria:       make(dto.CriteriaEvaluations, 0, len(request.Rubric)),
	}

	logger := e.logger.With().Str("session_id", request.SessionID).Logger()
	ctx, span := e.tracer.Start(token.Context(), "evaluation.run", trace.WithAttributes(
		attribute.String("session.id", request.SessionID),
		attribute.Int("rubric.criteria", len(request.Rubric)),
	))
	defer span.End()

	state := e.run(ctx, channel, request, token, &outcome, logger)

	span.SetAttributes(attribute.String("evaluation.state", string(state)))
	if state == StateError {
		span.SetStatus(codes.Error, "criterion failed")
	}
	observability.EvaluationRuns().WithLabelValues(string(state)).Inc()

	if state == StateComplete {
		e.record(ctx, outcome, logger)
	}

	logger.Info().Str("state", string(state)).Float64("total_score", outcome.TotalScore).Msg("evaluation finished")
	return state, outcome
}

func (e *StreamingEvaluator) run(ctx context.Context, channel Channel, request dto.EvaluationRequest, token *CancellationToken, outcome *EvaluationOutcome, logger zerolog.Logger) EvaluationState {
	metadata := dto.NewEvent(dto.EventMetadata, dto.MetadataData{
		Name:   outcome.Name,
		Degree: outcome.Degree,
		Topic:  outcome.Topic,
	})
	if !e.send(channel, token, metadata, logger) {
		return StateCancelled
	}

	for _, entry := range request.Rubric {
		if token.Cancelled() {
			logger.Info().Str("criterion", entry.Name).Msg("processing cancelled before criterion")
			return StateCancelled
		}

		result, err := e.evaluateCriterion(ctx, channel, request, entry, token, logger)
		if token.Cancelled() {
			logger.Info().Str("criterion", entry.Name).Msg("processing cancelled during criterion")
			return StateCancelled
		}
		if err != nil {
			logger.Error().Err(err).Str("criterion", entry.Name).Msg("criterion evaluation failed")
			message := fmt.Sprintf("Error processing criterion %s: %s", entry.Name, err.Error())
			e.send(channel, token, dto.NewErrorEvent(message, entry.Name), logger)
			return StateError
		}

		outcome.Criteria = append(outcome.Criteria, dto.CriterionEvaluation{Criterion: entry.Name, Result: result})
		outcome.TotalScore += result.Score
	}

	complete := dto.NewEvent(dto.EventComplete, outcome.CompleteData())
	if !e.send(channel, token, complete, logger) {
		return StateCancelled
	}

	return StateComplete
}

func (e *StreamingEvaluator) evaluateCriterion(ctx context.Context, channel Channel, request dto.EvaluationRequest, entry dto.RubricEntry, token *CancellationToken, logger zerolog.Logger) (dto.CriterionResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "evaluation.criterion", trace.WithAttributes(attribute.String("criterion", entry.Name)))
	defer span.End()

	if !e.send(channel, token, dto.NewEvent(dto.EventCriterionStart, dto.CriterionStartData{Criterion: entry.Name}), logger) {
		return dto.CriterionResult{}, errSessionCancelled
	}

	input := ai.CriterionInput{
		Criterion:          entry.Name,
		Explanation:        entry.Spec.Explanation,
		OutputInstructions: entry.Spec.OutputInstructions,
		ScoreGuidelines:    entry.Spec.ScoreGuidelines,
		Author:             request.PreAnalysis.Name,
		Degree:             request.PreAnalysis.Degree,
		Topic:              request.PreAnalysis.Topic,
		Summary:            request.PreAnalysis.PreAnalyzedSummary,
		ExpertFeedback:     request.ExpertFeedback(),
	}

	analysis, err := e.streamAnalysis(ctx, channel, input, token, logger)
	if err != nil {
		span.RecordError(err)
		return dto.CriterionResult{}, err
	}
	if token.Cancelled() {
		return dto.CriterionResult{}, errSessionCancelled
	}

	graded, err := e.generator.Complete(ctx, ai.ScoringPrompt(input, analysis))
	if err != nil {
		span.RecordError(err)
		return dto.CriterionResult{}, fmt.Errorf("score analysis: %w", err)
	}
	score := ai.ExtractScore(graded)
	span.SetAttributes(attribute.Float64("criterion.score", score))

	complete := dto.NewEvent(dto.EventCriterionComplete, dto.CriterionCompleteData{
		Criterion:    entry.Name,
		Score:        score,
		FullAnalysis: analysis,
	})
	if !e.send(channel, token, complete, logger) {
		return dto.CriterionResult{}, errSessionCancelled
	}

	observability.CriterionDuration().Observe(time.Since(start).Seconds())
	logger.Debug().Str("criterion", entry.Name).Float64("score", score).Msg("criterion complete")

	return dto.CriterionResult{Feedback: analysis, Score: score}, nil
}

func (e *StreamingEvaluator) streamAnalysis(ctx context.Context, channel Channel, input ai.CriterionInput, token *CancellationToken, logger zerolog.Logger) (string, error) {
	stream, err := e.generator.Stream(ctx, ai.AnalysisPrompt(input))
	if err != nil {
		return "", fmt.Errorf("start analysis stream: %w", err)
	}
	defer func() {
		_ = stream.Close()
	}()

	builder := strings.Builder{}
	for {
		if token.Cancelled() {
			return "", errSessionCancelled
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stream analysis: %w", err)
		}

		if token.Cancelled() {
			return "", errSessionCancelled
		}

		builder.WriteString(chunk)
		event := dto.NewEvent(dto.EventAnalysisChunk, dto.AnalysisChunkData{Criterion: input.Criterion, Chunk: chunk})
		if !e.send(channel, token, event, logger) {
			return "", errSessionCancelled
		}
	}

	return builder.String(), nil
}

// send writes event unless the session is cancelled. A failed write marks the
// channel closed so that no further sends are attempted.
func (e *StreamingEvaluator) send(channel Channel, token *CancellationToken, event dto.Event, logger zerolog.Logger) bool {
	if token.Cancelled() {
		return false
	}
	if err := channel.WriteJSON(event); err != nil {
		token.MarkClosed()
		logger.Debug().Err(err).Str("event", event.Type).Msg("channel send failed")
		return false
	}
	return true
}

func (e *StreamingEvaluator) record(ctx context.Context, outcome EvaluationOutcome, logger zerolog.Logger) {
	if e.recorder == nil {
		return
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := e.recorder.Record(recordCtx, outcome); err != nil {
		logger.Error().Err(err).Msg("failed to persist evaluation outcome")
	}
}
