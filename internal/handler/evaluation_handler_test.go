package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/dissertation-eval-api/internal/config"
	"github.com/noah-isme/dissertation-eval-api/internal/dto"
	"github.com/noah-isme/dissertation-eval-api/internal/handler"
	"github.com/noah-isme/dissertation-eval-api/internal/middleware"
	"github.com/noah-isme/dissertation-eval-api/internal/models"
	"github.com/noah-isme/dissertation-eval-api/internal/repository"
	"github.com/noah-isme/dissertation-eval-api/internal/router"
	"github.com/noah-isme/dissertation-eval-api/internal/service"
	"github.com/noah-isme/dissertation-eval-api/pkg/ai"
	"github.com/noah-isme/dissertation-eval-api/pkg/queue"
)

const evaluationPayload = `{
	"rubric": {
		"Methodology": {
			"criteria_explanation": "Is the method sound?",
			"criteria_output": "Discuss the method.",
			"score_explanation": "5 is flawless."
		}
	},
	"pre_analysis": {
		"degree": "PhD Physics",
		"name": "Ada Lovelace",
		"topic": "Analytical engines",
		"pre_analyzed_summary": "A summary."
	}
}`

// gatedGenerator blocks every analysis stream until gate is closed.
type gatedGenerator struct {
	gate      chan struct{}
	closeOnce sync.Once
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{gate: make(chan struct{})}
}

func (g *gatedGenerator) open() {
	g.closeOnce.Do(func() { close(g.gate) })
}

func (g *gatedGenerator) Stream(ctx context.Context, _ ai.Prompt) (ai.ChunkStream, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &sliceStream{chunks: []string{"The method ", "is sound."}}, nil
}

func (g *gatedGenerator) Complete(context.Context, ai.Prompt) (string, error) {
	return "spanda_score: 4", nil
}

type sliceStream struct {
	chunks []string
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *sliceStream) Close() error { return nil }

type wireEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	SessionID string          `json:"session_id"`
}

type evaluationStack struct {
	baseURL   string
	generator *gatedGenerator
	admission *service.AdmissionController
	registry  *service.ReconnectRegistry
}

func startEvaluationStack(t *testing.T) evaluationStack {
	t.Helper()

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.EvaluationRecord{}, &models.CriterionScore{}))

	broker := queue.NewMemoryBroker("dissertation_analysis_queue", 50*time.Millisecond, logger)
	generator := newGatedGenerator()

	outcomes := service.NewOutcomeService(repository.NewEvaluationRepository(db), validate, logger)
	evaluator := service.NewStreamingEvaluator(generator, outcomes, logger)
	admission := service.NewAdmissionController(1)
	registry := service.NewReconnectRegistry(10*time.Millisecond, logger)
	bridge := service.NewQueueBridge(queue.Shared(broker), admission, registry, evaluator, service.QueueBridgeConfig{
		ReconnectTimeout:      5 * time.Second,
		AdmissionPollInterval: 10 * time.Millisecond,
		CommitMode:            service.CommitBeforeProcessing,
	}, logger)
	gateway := service.NewSessionGateway(admission, bridge, evaluator, registry, validate, logger)

	cfg := config.Config{AppName: "evaluation-test", WebsocketRateLimit: 100, WebsocketRateLimitSpan: time.Minute}
	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		EvaluationHandler: handler.NewEvaluationHandler(gateway, logger),
		OutcomeHandler:    handler.NewOutcomeHandler(outcomes, logger),
		Slots:             admission,
	})

	ctx, cancel := context.WithCancel(context.Background())
	bridge.Start(ctx)

	baseURL, shutdown := startFiberServer(t, app)
	t.Cleanup(func() {
		generator.open()
		shutdown()
		cancel()
		_ = bridge.Close()
		bridge.Wait()
		_ = broker.Close()
	})

	return evaluationStack{baseURL: baseURL, generator: generator, admission: admission, registry: registry}
}

func (s evaluationStack) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(s.baseURL, "http") + path
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(url, http.Header{"X-Correlation-ID": {"test-" + t.Name()}})
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event wireEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) []wireEvent {
	t.Helper()

	events := make([]wireEvent, 0)
	for {
		event := readEvent(t, conn)
		events = append(events, event)
		if event.Type == eventType {
			return events
		}
		require.NotEqual(t, dto.EventError, event.Type, string(event.Data))
	}
}

func eventTypes(events []wireEvent) []string {
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.Type)
	}
	return out
}

func TestEvaluationOverflowIsQueuedAndRedeemed(t *testing.T) {
	stack := startEvaluationStack(t)

	first := stack.dial(t, "/dissertation/api/ws/dissertation_analysis")
	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte(evaluationPayload)))
	require.Equal(t, dto.EventMetadata, readEvent(t, first).Type)
	require.Equal(t, 1, stack.admission.ActiveCount())

	second := stack.dial(t, "/dissertation/api/ws/dissertation_analysis")
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(evaluationPayload)))
	queued := readEvent(t, second)
	require.Equal(t, dto.EventQueueStatus, queued.Type)

	var status dto.QueueStatusData
	require.NoError(t, json.Unmarshal(queued.Data, &status))
	require.NotEmpty(t, status.SessionID)

	notifications := stack.dial(t, "/dissertation/api/ws/notifications")
	require.NoError(t, notifications.WriteMessage(websocket.TextMessage, []byte(status.SessionID)))
	require.Eventually(t, func() bool { return stack.registry.NotifierCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	stack.generator.open()
	direct := readUntil(t, first, dto.EventComplete)
	require.Equal(t, []string{
		dto.EventCriterionStart,
		dto.EventAnalysisChunk,
		dto.EventAnalysisChunk,
		dto.EventCriterionComplete,
		dto.EventComplete,
	}, eventTypes(direct))

	reconnect := readEvent(t, notifications)
	require.Equal(t, dto.EventReconnect, reconnect.Type)
	require.Equal(t, status.SessionID, reconnect.SessionID)

	resumed := stack.dial(t, "/dissertation/api/ws/dissertation_analysis_reconnect?session_id="+status.SessionID)
	redeemed := readUntil(t, resumed, dto.EventComplete)
	require.Equal(t, dto.EventMetadata, redeemed[0].Type)

	var complete dto.CompleteData
	require.NoError(t, json.Unmarshal(redeemed[len(redeemed)-1].Data, &complete))
	require.Equal(t, 4.0, complete.TotalScore)
	require.Equal(t, "Ada Lovelace", complete.Name)

	require.Eventually(t, func() bool { return stack.admission.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Get(stack.baseURL + "/api/v1/evaluations")
		if err != nil {
			return false
		}
		var body struct {
			Data []dto.EvaluationSummaryResponse `json:"data"`
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return len(body.Data) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEvaluationReleasesSlotWhileClientStaysConnected(t *testing.T) {
	stack := startEvaluationStack(t)
	stack.generator.open()

	conn := stack.dial(t, "/dissertation/api/ws/dissertation_analysis")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(evaluationPayload)))
	readUntil(t, conn, dto.EventComplete)

	require.Eventually(t, func() bool { return stack.admission.ActiveCount() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "server did not close the channel after complete")
}

func TestEvaluationRejectsInvalidPayload(t *testing.T) {
	stack := startEvaluationStack(t)

	conn := stack.dial(t, "/dissertation/api/ws/dissertation_analysis")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"rubric":"nope"}`)))

	event := readEvent(t, conn)
	require.Equal(t, dto.EventError, event.Type)

	var data dto.ErrorData
	require.NoError(t, json.Unmarshal(event.Data, &data))
	require.Equal(t, "Invalid payload structure", data.Message)
	require.Equal(t, 0, stack.admission.ActiveCount())
}

func TestEvaluationRoutesRequireUpgrade(t *testing.T) {
	stack := startEvaluationStack(t)

	for _, path := range []string{"dissertation_analysis", "notifications", "dissertation_analysis_reconnect"} {
		resp, err := http.Get(stack.baseURL + "/dissertation/api/ws/" + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode, path)
	}
}

func TestAnalyzeReturnsCompleteDataOverHTTP(t *testing.T) {
	stack := startEvaluationStack(t)
	stack.generator.open()

	resp, err := http.Post(stack.baseURL+"/dissertation/api/dissertation_analysis", fiber.MIMEApplicationJSON, strings.NewReader(evaluationPayload))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Success bool             `json:"success"`
		Data    dto.CompleteData `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	require.Equal(t, 4.0, body.Data.TotalScore)
	require.Equal(t, "Ada Lovelace", body.Data.Name)
	methodology, ok := body.Data.CriteriaEvaluations.Get("Methodology")
	require.True(t, ok)
	require.Equal(t, "The method is sound.", methodology.Feedback)
	require.Equal(t, 0, stack.admission.ActiveCount())

	listResp, err := http.Get(stack.baseURL + "/api/v1/evaluations")
	require.NoError(t, err)
	var list struct {
		Data []dto.EvaluationSummaryResponse `json:"data"`
	}
	decodeResponse(t, listResp, &list)
	require.Len(t, list.Data, 1)
}

func TestAnalyzeMapsFailuresToStatus(t *testing.T) {
	stack := startEvaluationStack(t)
	stack.generator.open()
	url := stack.baseURL + "/dissertation/api/dissertation_analysis"

	resp, err := http.Post(url, fiber.MIMEApplicationJSON, strings.NewReader(`{"rubric":"nope"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	missing := strings.Replace(evaluationPayload, `"Analytical engines"`, `"`+dto.NoTopicFound+`"`, 1)
	resp, err = http.Post(url, fiber.MIMEApplicationJSON, strings.NewReader(missing))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	require.True(t, stack.admission.TryAcquire())
	defer stack.admission.Release()

	resp, err = http.Post(url, fiber.MIMEApplicationJSON, strings.NewReader(evaluationPayload))
	require.NoError(t, err)
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decodeResponse(t, resp, &body)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	require.False(t, body.Success)
	require.NotEmpty(t, body.Message)
}

func TestAdmissionStatusEndpoint(t *testing.T) {
	admission := service.NewAdmissionController(2)
	require.True(t, admission.TryAcquire())

	app := fiber.New()
	router.Register(app, config.Config{AppName: "evaluation-test"}, router.Dependencies{Slots: admission})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/admission", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "evaluation-test", resp.Header.Get("X-Application"))

	var body struct {
		Success bool                        `json:"success"`
		Data    dto.AdmissionStatusResponse `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	require.Equal(t, dto.AdmissionStatusResponse{Active: 1, Max: 2}, body.Data)
}

func startFiberServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	shutdown := func() {
		_ = app.ShutdownWithTimeout(time.Second)
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	return "http://" + listener.Addr().String(), shutdown
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(data, target))
}
