package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueueBackendRedis  = "redis"
	QueueBackendNATS   = "nats"
	QueueBackendMemory = "memory"
)

// Offset commit modes for dequeued sessions.
const (
	CommitBeforeProcessing = "before_processing"
	CommitAfterProcessing  = "after_processing"
)

// Config holds runtime configuration values for the evaluation service.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	LogLevel string

	MaxConcurrentSessions  int
	AdmissionPollInterval  time.Duration
	ReconnectTimeout       time.Duration
	ReconnectPollInterval  time.Duration
	QueueBackend           string
	QueueBrokerURL         string
	QueueName              string
	QueueConsumerGroup     string
	QueueCommitMode        string
	QueueFetchWait         time.Duration
	WebsocketRateLimit     int
	WebsocketRateLimitSpan time.Duration

	LLMBaseURL       string
	LLMAPIKey        string
	LLMAnalysisModel string
	LLMScoringModel  string
	LLMTemperature   float32
	LLMMaxTokens     int
	LLMSeed          int

	DatabaseURL        string
	DatabaseSQLitePath string

	CORSAllowOrigins string

	TracingEnabled     bool
	TracingEndpoint    string
	TracingSampleRatio float64
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Dissertation Evaluation API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("max_concurrent_sessions", 3)
	v.SetDefault("admission.poll_interval", "1s")
	v.SetDefault("reconnect.timeout", "30s")
	v.SetDefault("reconnect.poll_interval", "1s")
	v.SetDefault("queue.backend", QueueBackendRedis)
	v.SetDefault("queue.broker_url", "redis://localhost:6379/0")
	v.SetDefault("queue.name", "dissertation_analysis_queue")
	v.SetDefault("queue.consumer_group", "dissertation_analysis_consumer")
	v.SetDefault("queue.commit_mode", CommitBeforeProcessing)
	v.SetDefault("queue.fetch_wait", "5s")
	v.SetDefault("ws.rate_limit", 30)
	v.SetDefault("ws.rate_limit_window", "1m")
	v.SetDefault("llm.base_url", "http://localhost:8000/v1")
	v.SetDefault("llm.analysis_model", "meta-llama/Llama-3.1-8B-Instruct")
	v.SetDefault("llm.temperature", 0)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.seed", 42)
	v.SetDefault("database.sqlite_path", "evaluations.db")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4318")
	v.SetDefault("otel.sample_ratio", 1.0)

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		LogLevel:               strings.ToLower(v.GetString("log.level")),
		MaxConcurrentSessions:  positiveInt(v.GetInt("max_concurrent_sessions"), 3),
		AdmissionPollInterval:  duration(v.GetString("admission.poll_interval"), time.Second),
		ReconnectTimeout:       duration(v.GetString("reconnect.timeout"), 30*time.Second),
		ReconnectPollInterval:  duration(v.GetString("reconnect.poll_interval"), time.Second),
		QueueBackend:           strings.ToLower(v.GetString("queue.backend")),
		QueueBrokerURL:         v.GetString("queue.broker_url"),
		QueueName:              v.GetString("queue.name"),
		QueueConsumerGroup:     v.GetString("queue.consumer_group"),
		QueueCommitMode:        strings.ToLower(v.GetString("queue.commit_mode")),
		QueueFetchWait:         duration(v.GetString("queue.fetch_wait"), 5*time.Second),
		WebsocketRateLimit:     positiveInt(v.GetInt("ws.rate_limit"), 30),
		WebsocketRateLimitSpan: duration(v.GetString("ws.rate_limit_window"), time.Minute),
		LLMBaseURL:             v.GetString("llm.base_url"),
		LLMAPIKey:              v.GetString("llm.api_key"),
		LLMAnalysisModel:       v.GetString("llm.analysis_model"),
		LLMScoringModel:        v.GetString("llm.scoring_model"),
		LLMTemperature:         float32(v.GetFloat64("llm.temperature")),
		LLMMaxTokens:           positiveInt(v.GetInt("llm.max_tokens"), 2048),
		LLMSeed:                v.GetInt("llm.seed"),
		DatabaseURL:            v.GetString("database.url"),
		DatabaseSQLitePath:     v.GetString("database.sqlite_path"),
		CORSAllowOrigins:       v.GetString("cors.allow_origins"),
		TracingEnabled:         v.GetBool("otel.enabled"),
		TracingEndpoint:        v.GetString("otel.endpoint"),
		TracingSampleRatio:     ratio(v.GetFloat64("otel.sample_ratio"), 1),
	}

	switch cfg.QueueBackend {
	case QueueBackendRedis, QueueBackendNATS, QueueBackendMemory:
	default:
		return Config{}, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	switch cfg.QueueCommitMode {
	case CommitBeforeProcessing, CommitAfterProcessing:
	default:
		return Config{}, fmt.Errorf("unknown queue commit mode %q", cfg.QueueCommitMode)
	}

	if cfg.QueueName == "" {
		return Config{}, fmt.Errorf("queue name must be provided")
	}

	if cfg.QueueBackend != QueueBackendMemory && cfg.QueueBrokerURL == "" {
		return Config{}, fmt.Errorf("queue broker url must be provided for %s backend", cfg.QueueBackend)
	}

	return cfg, nil
}

func duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func ratio(value, fallback float64) float64 {
	if value <= 0 || value > 1 {
		return fallback
	}
	return value
}
