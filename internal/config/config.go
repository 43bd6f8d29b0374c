package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/stream-dlq/internal/dlq"
)

// Config captures all runtime configuration for the DLQ worker.
type Config struct {
	App      AppConfig
	Kafka    KafkaConfig
	Consumer ConsumerConfig
	DLQ      dlq.Config
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// KafkaConfig defines broker information.
type KafkaConfig struct {
	Brokers []string
}

// ConsumerConfig describes the consumed topic and group plus runner tuning.
type ConsumerConfig struct {
	GroupID             string
	SourceTopic         string
	WorkerConcurrency   int
	CommitOnSuccessOnly bool
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", true)

	cfg.Consumer.GroupID = ldr.getString("CONSUMER_GROUP", "", true)
	cfg.Consumer.SourceTopic = ldr.getString("SOURCE_TOPIC", "", true)
	cfg.Consumer.WorkerConcurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)
	cfg.Consumer.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)

	cfg.DLQ = dlq.DefaultConfig()
	cfg.DLQ.Strategy = ldr.getStrategy("DLQ_STRATEGY", cfg.DLQ.Strategy)
	cfg.DLQ.MaxRetryAttempts = ldr.getInt("MAX_RETRY_ATTEMPTS", cfg.DLQ.MaxRetryAttempts, false)
	cfg.DLQ.RetryBackoff = ldr.getMillis("RETRY_BACKOFF_MS", cfg.DLQ.RetryBackoff)
	cfg.DLQ.TopicPrefix = ldr.getString("DLQ_TOPIC_PREFIX", cfg.DLQ.TopicPrefix, false)
	cfg.DLQ.TopicSuffix = ldr.getString("DLQ_TOPIC_SUFFIX", cfg.DLQ.TopicSuffix, false)
	cfg.DLQ.FailureThreshold = ldr.getInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", cfg.DLQ.FailureThreshold, false)
	cfg.DLQ.RecoveryTimeout = ldr.getMillis("CIRCUIT_BREAKER_RECOVERY_TIMEOUT_MS", cfg.DLQ.RecoveryTimeout)
	cfg.DLQ.SuccessThreshold = ldr.getInt("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", cfg.DLQ.SuccessThreshold, false)
	cfg.DLQ.RetryOn = ldr.getErrorKinds("RETRY_ON_ERRORS", cfg.DLQ.RetryOn)
	cfg.DLQ.ImmediateDLQ = ldr.getErrorKinds("IMMEDIATE_DLQ_ERRORS", cfg.DLQ.ImmediateDLQ)
	cfg.DLQ.IncludeHeaders = ldr.getBool("INCLUDE_ORIGINAL_HEADERS", cfg.DLQ.IncludeHeaders, false)
	cfg.DLQ.IncludeStackTrace = ldr.getBool("INCLUDE_STACK_TRACE", cfg.DLQ.IncludeStackTrace, false)
	cfg.DLQ.MaxErrorMessageLen = ldr.getInt("DLQ_MAX_ERROR_MESSAGE_LEN", cfg.DLQ.MaxErrorMessageLen, false)
	cfg.DLQ.MaxStackTraceLen = ldr.getInt("DLQ_MAX_STACK_TRACE_LEN", cfg.DLQ.MaxStackTraceLen, false)
	cfg.DLQ.PublishTimeout = ldr.getMillis("DLQ_PUBLISH_TIMEOUT_MS", cfg.DLQ.PublishTimeout)

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	if err := cfg.DLQ.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getMillis(key string, def time.Duration) time.Duration {
	raw := l.getString(key, "", false)
	if raw == "" {
		return def
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		l.addError(fmt.Sprintf("%s must be a non-negative integer of milliseconds", key))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) getStrategy(key string, def dlq.Strategy) dlq.Strategy {
	raw := l.getString(key, "", false)
	if raw == "" {
		return def
	}
	switch s := dlq.Strategy(strings.ToLower(raw)); s {
	case dlq.StrategyDisabled, dlq.StrategyImmediate, dlq.StrategyRetryThenDLQ, dlq.StrategyCircuitBreaker:
		return s
	default:
		l.addError(fmt.Sprintf("%s must be one of disabled, immediate, retry_then_dlq, circuit_breaker", key))
		return def
	}
}

func (l *envLoader) getErrorKinds(key string, def []dlq.ErrorKind) []dlq.ErrorKind {
	raw := l.getStringSlice(key, false)
	if len(raw) == 0 {
		return def
	}
	out := make([]dlq.ErrorKind, 0, len(raw))
	for _, p := range raw {
		kind, ok := parseErrorKind(p)
		if !ok {
			l.addError(fmt.Sprintf("%s contains unknown error kind %q", key, p))
			continue
		}
		out = append(out, kind)
	}
	return out
}

// parseErrorKind accepts both the wire form ("connection_error") and the
// bare category name ("connection").
func parseErrorKind(raw string) (dlq.ErrorKind, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimSuffix(name, "_error")
	switch name {
	case "deserialization":
		return dlq.ErrorKindDeserialization, true
	case "schema":
		return dlq.ErrorKindSchema, true
	case "processing":
		return dlq.ErrorKindProcessing, true
	case "connection":
		return dlq.ErrorKindConnection, true
	case "timeout":
		return dlq.ErrorKindTimeout, true
	case "unknown":
		return dlq.ErrorKindUnknown, true
	}
	return "", false
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
