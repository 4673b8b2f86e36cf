package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/dissertation-eval-api/internal/dto"
	"github.com/noah-isme/dissertation-eval-api/internal/observability"
)

var (
	// ErrInvalidPayload indicates the open payload does not describe a session.
	ErrInvalidPayload = errors.New("invalid payload structure")
	// ErrMissingMetadata indicates the pre-analysis could not extract a required context field.
	ErrMissingMetadata = errors.New("required metadata missing")
	// ErrMissingSessionID indicates a queued or resumed session without a session id.
	ErrMissingSessionID = errors.New("session id missing")
)

const (
	invalidPayloadMessage = "Invalid payload structure"
	queuedMessage         = "Your request has been queued. Please wait..."
	enqueueFailedMessage  = "The service is busy and your request could not be queued. Please try again later."
)

// SessionEnqueuer parks a session that could not be admitted.
type SessionEnqueuer interface {
	Enqueue(ctx context.Context, request dto.EvaluationRequest) error
}

// SessionGateway is the entry point for evaluation, notification and
// reconnect channels.
type SessionGateway struct {
	admission *AdmissionController
	enqueuer  SessionEnqueuer
	runner    SessionRunner
	registry  *ReconnectRegistry
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewSessionGateway wires the gateway.
func NewSessionGateway(admission *AdmissionController, enqueuer SessionEnqueuer, runner SessionRunner, registry *ReconnectRegistry, validate *validator.Validate, logger zerolog.Logger) *SessionGateway {
	return &SessionGateway{
		admission: admission,
		enqueuer:  enqueuer,
		runner:    runner,
		registry:  registry,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "session_gateway").Logger(),
	}
}

// HandleEvaluation reads the open payload from channel and either runs the
// session directly or queues it. The channel is closed before returning.
func (g *SessionGateway) HandleEvaluation(ctx context.Context, channel Channel) {
	defer closeChannel(channel)

	_, raw, err := channel.ReadMessage()
	if err != nil {
		g.logger.Debug().Err(err).Msg("evaluation channel closed before payload")
		return
	}

	request, err := g.ParseRequest(raw)
	if err != nil {
		g.logger.Warn().Err(err).Msg("rejecting evaluation payload")
		message := invalidPayloadMessage
		if errors.Is(err, ErrMissingMetadata) {
			message = missingMetadataMessage(request.PreAnalysis.MissingFields())
		}
		_ = channel.WriteJSON(dto.NewErrorEvent(message, ""))
		return
	}

	logger := g.logger.With().Str("name", request.PreAnalysis.Name).Str("topic", request.PreAnalysis.Topic).Logger()

	if !g.admission.TryAcquire() {
		g.enqueue(ctx, channel, request, logger)
		return
	}
	defer g.admission.Release()

	request.SessionID = uuid.NewString()
	observability.SessionsAdmitted().WithLabelValues("direct").Inc()
	logger.Info().Str("session_id", request.SessionID).Msg("processing session directly")

	token := NewCancellationToken(ctx)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		watchDisconnect(channel, token)
	}()

	g.runner.Run(channel, request, token)

	closeChannel(channel)
	<-watcherDone
}

// HandleNotifications registers channel as the notification channel of the
// session id sent in its first frame and keeps it until the client leaves.
func (g *SessionGateway) HandleNotifications(channel Channel) {
	_, raw, err := channel.ReadMessage()
	if err != nil {
		return
	}

	sessionID := strings.TrimSpace(string(raw))
	if sessionID == "" {
		g.logger.Warn().Msg("notification channel opened without session id")
		return
	}

	unregister := g.registry.RegisterNotifier(sessionID, channel)
	defer unregister()

	for {
		if _, _, err := channel.ReadMessage(); err != nil {
			g.logger.Info().Str("session_id", sessionID).Msg("notification channel closed")
			return
		}
	}
}

// HandleReconnect registers a reopened evaluation channel for a queued
// session. It returns only after any worker using the channel has released it.
func (g *SessionGateway) HandleReconnect(ctx context.Context, sessionID string, channel Channel) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		_ = channel.WriteJSON(dto.NewErrorEvent(ErrMissingSessionID.Error(), ""))
		return
	}

	resumed, unregister := g.registry.RegisterResumed(ctx, sessionID, channel)
	watchDisconnect(channel, resumed.Token())

	if claimed := unregister(); claimed {
		<-resumed.Done()
	}
	g.logger.Info().Str("session_id", sessionID).Msg("reconnect channel closed")
}

// ParseRequest validates raw and returns the decoded session request with
// sanitised expert feedback.
func (g *SessionGateway) ParseRequest(raw []byte) (dto.EvaluationRequest, error) {
	request, err := dto.DecodeEvaluationRequest(raw)
	if err != nil {
		return dto.EvaluationRequest{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := g.validator.Struct(request); err != nil {
		return dto.EvaluationRequest{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if request.Feedback != nil {
		clean := strings.TrimSpace(g.sanitizer.Sanitize(*request.Feedback))
		if clean == "" {
			request.Feedback = nil
		} else {
			request.Feedback = &clean
		}
	}

	if missing := request.PreAnalysis.MissingFields(); len(missing) > 0 {
		return request, fmt.Errorf("%w: %s", ErrMissingMetadata, strings.Join(missing, ", "))
	}

	return request, nil
}

func (g *SessionGateway) enqueue(ctx context.Context, channel Channel, request dto.EvaluationRequest, logger zerolog.Logger) {
	request.SessionID = uuid.NewString()
	logger = logger.With().Str("session_id", request.SessionID).Logger()
	logger.Info().Msg("no slots available, queuing session")

	if err := g.enqueuer.Enqueue(ctx, request); err != nil {
		logger.Error().Err(err).Msg("failed to queue session")
		_ = channel.WriteJSON(dto.NewErrorEvent(enqueueFailedMessage, ""))
		return
	}

	observability.SessionsAdmitted().WithLabelValues("queued").Inc()
	_ = channel.WriteJSON(dto.NewEvent(dto.EventQueueStatus, dto.QueueStatusData{
		Message:   queuedMessage,
		SessionID: request.SessionID,
	}))
}

// closeChannel expires pending reads before closing. A websocket Close does
// not interrupt a blocked read on a hijacked server connection.
func closeChannel(channel Channel) {
	_ = channel.SetReadDeadline(time.Now())
	_ = channel.Close()
}

// watchDisconnect reads until the client goes away, then cancels token.
func watchDisconnect(channel Channel, token *CancellationToken) {
	for {
		if _, _, err := channel.ReadMessage(); err != nil {
			token.Cancel()
			return
		}
	}
}

func missingMetadataMessage(fields []string) string {
	return fmt.Sprintf("Due to an unexpected input format of the file, the system was unable to extract %s information. "+
		"Please report this issue to the development team with details about the dissertation file.", strings.Join(fields, ", "))
}
