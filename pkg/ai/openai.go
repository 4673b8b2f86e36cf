package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dissertation",
		Subsystem: "ai",
		Name:      "generation_duration_seconds",
		Help:      "Duration of model generation requests",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"model", "mode"})

	generationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dissertation",
		Subsystem: "ai",
		Name:      "generation_failures_total",
		Help:      "Number of failed model generation requests",
	}, []string{"model", "mode"})
)

// OpenAIConfig configures a generator against any OpenAI-compatible endpoint
// (OpenAI, vLLM, Ollama's /v1 API).
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	AnalysisModel string
	ScoringModel  string
	MaxTokens     int
	Temperature   float32
	Seed          int
	Logger        zerolog.Logger
}

// OpenAIGenerator implements Generator with the go-openai client.
type OpenAIGenerator struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIGenerator builds a generator from the provided configuration.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm api key or base url is required")
	}

	if cfg.AnalysisModel == "" {
		cfg.AnalysisModel = "gpt-4o-mini"
	}
	if cfg.ScoringModel == "" {
		cfg.ScoringModel = cfg.AnalysisModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/dissertation-eval-api/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_generator").Logger(),
	}, nil
}

// Stream opens a streaming chat completion and returns its content deltas.
func (g *OpenAIGenerator) Stream(parent context.Context, prompt Prompt) (ChunkStream, error) {
	model := g.model(prompt.Role)
	ctx, span := g.tracer.Start(parent, "openai.stream", trace.WithAttributes(
		attribute.String("model", model),
		attribute.String("role", string(prompt.Role)),
	))

	request := g.request(model, prompt)
	request.Stream = true

	stream, err := g.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		generationFailures.WithLabelValues(model, "stream").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	return &openAIStream{
		stream: stream,
		span:   span,
		model:  model,
		start:  time.Now(),
	}, nil
}

// Complete performs a single non-streaming chat completion.
func (g *OpenAIGenerator) Complete(parent context.Context, prompt Prompt) (string, error) {
	model := g.model(prompt.Role)
	ctx, span := g.tracer.Start(parent, "openai.complete", trace.WithAttributes(
		attribute.String("model", model),
		attribute.String("role", string(prompt.Role)),
	))
	defer span.End()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, g.request(model, prompt))
	generationDuration.WithLabelValues(model, "complete").Observe(time.Since(start).Seconds())
	if err != nil {
		generationFailures.WithLabelValues(model, "complete").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("openai complete: %w", err)
	}

	if len(resp.Choices) == 0 {
		generationFailures.WithLabelValues(model, "complete").Inc()
		span.RecordError(ErrEmptyResponse)
		span.SetStatus(codes.Error, ErrEmptyResponse.Error())
		return "", ErrEmptyResponse
	}

	g.logger.Debug().Str("model", model).Int("total_tokens", resp.Usage.TotalTokens).Msg("completion finished")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (g *OpenAIGenerator) model(role ModelRole) string {
	if role == RoleScoring {
		return g.cfg.ScoringModel
	}
	return g.cfg.AnalysisModel
}

func (g *OpenAIGenerator) request(model string, prompt Prompt) openai.ChatCompletionRequest {
	seed := g.cfg.Seed
	return openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Seed:        &seed,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompt.System,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt.User,
			},
		},
	}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	span   trace.Span
	model  string
	start  time.Time
	failed bool
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.failed = true
				s.span.RecordError(err)
				s.span.SetStatus(codes.Error, err.Error())
			}
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if content := resp.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

func (s *openAIStream) Close() error {
	generationDuration.WithLabelValues(s.model, "stream").Observe(time.Since(s.start).Seconds())
	if s.failed {
		generationFailures.WithLabelValues(s.model, "stream").Inc()
	}
	s.span.End()
	return s.stream.Close()
}
