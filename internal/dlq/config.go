package dlq

import (
	"errors"
	"fmt"
	"time"
)

// Strategy selects how the coordinator disposes of failed messages. It is
// fixed at construction time and never changes for the lifetime of a
// coordinator instance.
type Strategy string

const (
	// StrategyDisabled turns DLQ handling off entirely; failures are
	// surfaced back to the caller untouched.
	StrategyDisabled Strategy = "disabled"
	// StrategyImmediate treats the first failure as terminal and routes the
	// message straight to the DLQ topic.
	StrategyImmediate Strategy = "immediate"
	// StrategyRetryThenDLQ retries eligible errors up to the configured
	// budget before routing to the DLQ topic.
	StrategyRetryThenDLQ Strategy = "retry_then_dlq"
	// StrategyCircuitBreaker adds a per-topic circuit breaker gate on top of
	// the retry logic.
	StrategyCircuitBreaker Strategy = "circuit_breaker"
)

// Defaults applied by DefaultConfig and by Config.normalize for zero fields.
const (
	DefaultMaxRetryAttempts = 3
	DefaultRetryBackoff     = time.Second
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultSuccessThreshold = 2
	DefaultTopicSuffix      = "_dlq"
	DefaultMaxErrorLen      = 1024
	DefaultMaxTraceLen      = 4096
	DefaultPublishTimeout   = 10 * time.Second
)

// Config bundles every tunable of the DLQ subsystem. The zero value is not
// usable; construct via DefaultConfig and override fields, then let the
// coordinator validate.
type Config struct {
	Strategy Strategy

	MaxRetryAttempts int
	RetryBackoff     time.Duration

	// DLQ topic name is derived as TopicPrefix + source topic + TopicSuffix.
	TopicPrefix string
	TopicSuffix string

	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int

	// RetryOn lists the error kinds eligible for retry; ImmediateDLQ lists
	// the kinds that skip the retry budget and go straight to the DLQ.
	// ImmediateDLQ wins when a kind appears in both.
	RetryOn      []ErrorKind
	ImmediateDLQ []ErrorKind

	IncludeHeaders    bool
	IncludeStackTrace bool

	MaxErrorMessageLen int
	MaxStackTraceLen   int

	PublishTimeout time.Duration
}

// DefaultConfig returns the documented default configuration: three retries
// with a one second backoff for connection/timeout errors, immediate DLQ for
// deserialization/schema errors, and a 5-failure / 30s-recovery / 2-success
// circuit breaker.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyRetryThenDLQ,
		MaxRetryAttempts:   DefaultMaxRetryAttempts,
		RetryBackoff:       DefaultRetryBackoff,
		TopicSuffix:        DefaultTopicSuffix,
		FailureThreshold:   DefaultFailureThreshold,
		RecoveryTimeout:    DefaultRecoveryTimeout,
		SuccessThreshold:   DefaultSuccessThreshold,
		RetryOn:            []ErrorKind{ErrorKindConnection, ErrorKindTimeout},
		ImmediateDLQ:       []ErrorKind{ErrorKindDeserialization, ErrorKindSchema},
		IncludeHeaders:     true,
		IncludeStackTrace:  true,
		MaxErrorMessageLen: DefaultMaxErrorLen,
		MaxStackTraceLen:   DefaultMaxTraceLen,
		PublishTimeout:     DefaultPublishTimeout,
	}
}

// Validate reports configuration that would corrupt retry or breaker
// accounting at runtime. Misconfiguration is a programming error and is
// rejected up front rather than tolerated.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyDisabled, StrategyImmediate, StrategyRetryThenDLQ, StrategyCircuitBreaker:
	default:
		return fmt.Errorf("dlq: unknown strategy %q", c.Strategy)
	}
	if c.MaxRetryAttempts < 0 {
		return errors.New("dlq: max retry attempts cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return errors.New("dlq: retry backoff cannot be negative")
	}
	if c.Strategy == StrategyCircuitBreaker {
		if c.FailureThreshold < 1 {
			return errors.New("dlq: circuit breaker failure threshold must be >= 1")
		}
		if c.SuccessThreshold < 1 {
			return errors.New("dlq: circuit breaker success threshold must be >= 1")
		}
		if c.RecoveryTimeout <= 0 {
			return errors.New("dlq: circuit breaker recovery timeout must be positive")
		}
	}
	for _, k := range c.RetryOn {
		if !k.valid() {
			return fmt.Errorf("dlq: unknown error kind %q in retry set", k)
		}
	}
	for _, k := range c.ImmediateDLQ {
		if !k.valid() {
			return fmt.Errorf("dlq: unknown error kind %q in immediate set", k)
		}
	}
	return nil
}

// TopicFor derives the DLQ topic name for the supplied source topic.
func (c Config) TopicFor(sourceTopic string) string {
	return c.TopicPrefix + sourceTopic + c.TopicSuffix
}

func (c Config) retrySet() map[ErrorKind]struct{} {
	return kindSet(c.RetryOn)
}

func (c Config) immediateSet() map[ErrorKind]struct{} {
	return kindSet(c.ImmediateDLQ)
}

func kindSet(kinds []ErrorKind) map[ErrorKind]struct{} {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[ErrorKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}
