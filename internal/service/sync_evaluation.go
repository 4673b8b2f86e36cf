package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/dissertation-eval-api/internal/dto"
	"github.com/noah-isme/dissertation-eval-api/internal/observability"
)

var (
	// ErrServiceBusy indicates no session slot was free for a synchronous evaluation.
	ErrServiceBusy = errors.New("no evaluation slot available")
	// ErrEvaluationFailed indicates a criterion failed during a synchronous evaluation.
	ErrEvaluationFailed = errors.New("evaluation failed")
)

const busyMessage = "All evaluation slots are busy. Please try again later."

// SessionError pairs a gateway error with the message shown to the client.
type SessionError struct {
	Err     error
	Message string
}

func (e *SessionError) Error() string {
	return e.Err.Error() + ": " + e.Message
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Evaluate runs one session to completion without streaming and returns the
// final aggregate. It never queues: a full service answers ErrServiceBusy.
func (g *SessionGateway) Evaluate(ctx context.Context, raw []byte) (dto.CompleteData, error) {
	request, err := g.ParseRequest(raw)
	if err != nil {
		message := invalidPayloadMessage
		if errors.Is(err, ErrMissingMetadata) {
			message = missingMetadataMessage(request.PreAnalysis.MissingFields())
		}
		return dto.CompleteData{}, &SessionError{Err: err, Message: message}
	}

	if !g.admission.TryAcquire() {
		return dto.CompleteData{}, &SessionError{Err: ErrServiceBusy, Message: busyMessage}
	}
	defer g.admission.Release()

	request.SessionID = uuid.NewString()
	observability.SessionsAdmitted().WithLabelValues("sync").Inc()
	g.logger.Info().Str("session_id", request.SessionID).Str("name", request.PreAnalysis.Name).Msg("processing session synchronously")

	sink := &eventSink{}
	token := NewCancellationToken(ctx)
	defer token.Cancel()

	state, outcome := g.runner.Run(sink, request, token)
	switch state {
	case StateComplete:
		return outcome.CompleteData(), nil
	case StateError:
		return dto.CompleteData{}, &SessionError{Err: ErrEvaluationFailed, Message: sink.errorMessage()}
	default:
		if err := ctx.Err(); err != nil {
			return dto.CompleteData{}, err
		}
		return dto.CompleteData{}, errSessionCancelled
	}
}

// eventSink is a Channel that keeps only the last error event.
type eventSink struct {
	mu        sync.Mutex
	lastError string
}

func (s *eventSink) WriteJSON(v interface{}) error {
	event, ok := v.(dto.Event)
	if !ok || event.Type != dto.EventError {
		return nil
	}
	if data, ok := event.Data.(dto.ErrorData); ok {
		s.mu.Lock()
		s.lastError = data.Message
		s.mu.Unlock()
	}
	return nil
}

func (s *eventSink) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("event sink is write-only")
}

func (s *eventSink) SetReadDeadline(time.Time) error { return nil }

func (s *eventSink) Close() error { return nil }

func (s *eventSink) errorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastError == "" {
		return ErrEvaluationFailed.Error()
	}
	return s.lastError
}
