package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/dissertation-eval-api/internal/config"
	"github.com/noah-isme/dissertation-eval-api/internal/database"
	"github.com/noah-isme/dissertation-eval-api/internal/handler"
	"github.com/noah-isme/dissertation-eval-api/internal/middleware"
	"github.com/noah-isme/dissertation-eval-api/internal/observability"
	"github.com/noah-isme/dissertation-eval-api/internal/repository"
	"github.com/noah-isme/dissertation-eval-api/internal/router"
	"github.com/noah-isme/dissertation-eval-api/internal/service"
	"github.com/noah-isme/dissertation-eval-api/pkg/ai"
	"github.com/noah-isme/dissertation-eval-api/pkg/queue"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	shutdownTracing, err := observability.SetupTracing(context.Background(), observability.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.AppName,
		Environment: cfg.AppEnv,
		Endpoint:    cfg.TracingEndpoint,
		SampleRatio: cfg.TracingSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}

	db, err := database.Connect(cfg.DatabaseURL, cfg.DatabaseSQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	dial, closeBroker, err := brokerDialer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.QueueBackend).Msg("failed to set up queue broker")
	}
	defer closeBroker()

	generator, err := ai.NewOpenAIGenerator(ai.OpenAIConfig{
		APIKey:        cfg.LLMAPIKey,
		BaseURL:       cfg.LLMBaseURL,
		AnalysisModel: cfg.LLMAnalysisModel,
		ScoringModel:  cfg.LLMScoringModel,
		MaxTokens:     cfg.LLMMaxTokens,
		Temperature:   cfg.LLMTemperature,
		Seed:          cfg.LLMSeed,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create generator")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	outcomeService := service.NewOutcomeService(repository.NewEvaluationRepository(db), validate, logger)
	evaluator := service.NewStreamingEvaluator(generator, outcomeService, logger)
	admission := service.NewAdmissionController(cfg.MaxConcurrentSessions)
	registry := service.NewReconnectRegistry(cfg.ReconnectPollInterval, logger)

	bridge := service.NewQueueBridge(dial, admission, registry, evaluator, service.QueueBridgeConfig{
		ReconnectTimeout:      cfg.ReconnectTimeout,
		AdmissionPollInterval: cfg.AdmissionPollInterval,
		CommitMode:            service.CommitMode(cfg.QueueCommitMode),
	}, logger)
	gateway := service.NewSessionGateway(admission, bridge, evaluator, registry, validate, logger)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	bridge.Start(rootCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		EvaluationHandler: handler.NewEvaluationHandler(gateway, logger),
		OutcomeHandler:    handler.NewOutcomeHandler(outcomeService, logger),
		Slots:             admission,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	logger.Info().
		Str("address", cfg.HTTPAddress()).
		Str("queue_backend", cfg.QueueBackend).
		Int("max_concurrent_sessions", admission.Max()).
		Msg("evaluation service started")

	waitForShutdown(app, logger)

	if err := bridge.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close queue producer")
	}
	bridge.Wait()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to flush traces")
	}
	logger.Info().Msg("server stopped")
}

// brokerDialer returns a dialer for the configured backend and a cleanup for
// the connection it shares between producer and consumer.
func brokerDialer(cfg config.Config, logger zerolog.Logger) (queue.Dialer, func(), error) {
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		client, err := database.ConnectRedis(cfg.QueueBrokerURL)
		if err != nil {
			return nil, nil, err
		}
		streamCfg := queue.RedisStreamConfig{
			Stream:    cfg.QueueName,
			Group:     cfg.QueueConsumerGroup,
			FetchWait: cfg.QueueFetchWait,
		}
		dial := func(context.Context) (queue.Broker, error) {
			return queue.NewRedisStreamBroker(client, streamCfg), nil
		}
		return dial, func() { _ = client.Close() }, nil

	case config.QueueBackendNATS:
		conn, err := database.ConnectNATS(cfg.QueueBrokerURL, cfg.AppName)
		if err != nil {
			return nil, nil, err
		}
		streamCfg := queue.JetStreamConfig{
			Stream:    cfg.QueueName,
			Durable:   cfg.QueueConsumerGroup,
			FetchWait: cfg.QueueFetchWait,
		}
		dial := func(context.Context) (queue.Broker, error) {
			return queue.NewJetStreamBroker(conn, streamCfg)
		}
		return dial, conn.Close, nil

	case config.QueueBackendMemory:
		broker := queue.NewMemoryBroker(cfg.QueueName, cfg.QueueFetchWait, logger)
		return queue.Shared(broker), func() { _ = broker.Close() }, nil
	}

	return nil, nil, fmt.Errorf("unsupported queue backend %q", cfg.QueueBackend)
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
