package dlq

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the coordinator's disposition for one reported failure.
type Outcome string

const (
	// OutcomeRetry asks the caller to re-attempt the message after Backoff.
	// The coordinator never sleeps on the caller's behalf.
	OutcomeRetry Outcome = "retry"
	// OutcomeSentToDLQ means the message was durably archived on the DLQ
	// topic and its ledger entry cleared.
	OutcomeSentToDLQ Outcome = "sent_to_dlq"
	// OutcomeRejected means the message was neither retried nor archived:
	// either DLQ handling is disabled or the circuit is open. The Reason
	// field tells the two apart.
	OutcomeRejected Outcome = "rejected"
	// OutcomeDLQPublishFailed means the DLQ write could not be confirmed.
	// The message is neither retried nor archived; its ledger entry is kept
	// so a manual reprocessing attempt still has accurate history.
	OutcomeDLQPublishFailed Outcome = "dlq_publish_failed"
)

// Result carries the coordinator's decision back to the message-processing
// context that reported the failure.
type Result struct {
	Outcome    Outcome
	Kind       ErrorKind
	Backoff    time.Duration
	RetryCount int
	Reason     string
}

// RecordPublisher is the publishing behaviour the coordinator depends on.
// *Publisher satisfies it; tests substitute collectors.
type RecordPublisher interface {
	Publish(ctx context.Context, rec *Record, cause error, kind ErrorKind, retryCount int) error
}

// Dependencies collects the collaborators a coordinator requires. Classifier
// and Now are optional.
type Dependencies struct {
	Publisher  RecordPublisher
	Classifier Classifier
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Coordinator orchestrates failure handling for a single topic's message
// stream: it classifies each reported failure, consults the decision engine,
// executes the decision, and exposes aggregate statistics. One coordinator
// instance owns one ledger and one breaker; all in-flight messages for the
// (topic, consumer group) pair share them.
type Coordinator struct {
	sourceTopic string
	groupID     string
	cfg         Config

	classifier Classifier
	ledger     *Ledger
	breaker    *Breaker
	engine     *engine
	publisher  RecordPublisher
	logger     zerolog.Logger

	retries         atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64
	rejected        atomic.Uint64
}

// Stats is the coordinator's observability snapshot.
type Stats struct {
	DLQTopic        string
	ActiveRetries   int
	Retries         uint64
	Published       uint64
	PublishFailures uint64
	Rejected        uint64
	Breaker         BreakerStats
}

// NewCoordinator constructs a coordinator for one source topic and consumer
// group. Configuration and dependencies are validated up front; bookkeeping
// misuse is a programming error and fails fast here rather than corrupting
// accounting later.
func NewCoordinator(sourceTopic, groupID string, cfg Config, deps Dependencies) (*Coordinator, error) {
	if sourceTopic == "" {
		return nil, errors.New("dlq: source topic must be provided")
	}
	if groupID == "" {
		return nil, errors.New("dlq: consumer group id must be provided")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Publisher == nil && cfg.Strategy != StrategyDisabled {
		return nil, errors.New("dlq: publisher dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().
		Str("component", "dlq_coordinator").
		Str("topic", sourceTopic).
		Logger()

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	ledger := NewLedger(cfg)
	breaker := NewBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.RecoveryTimeout, now)

	return &Coordinator{
		sourceTopic: sourceTopic,
		groupID:     groupID,
		cfg:         cfg,
		classifier:  deps.Classifier,
		ledger:      ledger,
		breaker:     breaker,
		engine:      newEngine(cfg, ledger, breaker),
		publisher:   deps.Publisher,
		logger:      logger,
	}, nil
}

// HandleFailure processes one failed message. On a retry decision it returns
// the backoff and leaves suspension to the caller's scheduling model; it
// never blocks a shared lock while waiting. Safe for concurrent invocation
// from multiple message-handling contexts.
func (c *Coordinator) HandleFailure(ctx context.Context, rec *Record, cause error) Result {
	if rec == nil {
		return Result{Outcome: OutcomeRejected, Kind: ErrorKindUnknown, Reason: "nil record"}
	}

	id := rec.Identity()
	kind := classify(c.classifier, cause, rec)
	verdict := c.engine.decide(kind, id)

	switch verdict.Decision {
	case DecisionRetry:
		c.retries.Add(1)
		c.logger.Debug().
			Str("error_type", string(kind)).
			Int("retry_count", verdict.RetryCount).
			Int64("offset", rec.Offset).
			Dur("backoff", verdict.Backoff).
			Msg("retrying failed message")
		return Result{
			Outcome:    OutcomeRetry,
			Kind:       kind,
			Backoff:    verdict.Backoff,
			RetryCount: verdict.RetryCount,
		}

	case DecisionReject:
		c.rejected.Add(1)
		event := c.logger.Warn()
		if verdict.Reason == ReasonDisabled {
			// The caller must surface the original error itself; the
			// coordinator only records that it declined to act.
			event = c.logger.Debug()
		}
		event.
			Str("error_type", string(kind)).
			Str("reason", verdict.Reason).
			Int64("offset", rec.Offset).
			Err(cause).
			Msg("failed message rejected")
		return Result{Outcome: OutcomeRejected, Kind: kind, Reason: verdict.Reason}

	default:
		return c.sendToDLQ(ctx, rec, cause, kind, id)
	}
}

// RecordSuccess reports the happy path for a message that previously failed
// (or succeeded outright): the ledger entry is cleared and the breaker is
// fed a success.
func (c *Coordinator) RecordSuccess(id MessageIdentity) {
	c.ledger.Clear(id)
	c.breaker.RecordSuccess()
}

// Stats returns an aggregate snapshot for observability surfaces.
func (c *Coordinator) Stats() Stats {
	return Stats{
		DLQTopic:        c.cfg.TopicFor(c.sourceTopic),
		ActiveRetries:   c.ledger.Stats().ActiveRetries,
		Retries:         c.retries.Load(),
		Published:       c.published.Load(),
		PublishFailures: c.publishFailures.Load(),
		Rejected:        c.rejected.Load(),
		Breaker:         c.breaker.Snapshot(),
	}
}

// DLQTopic returns the derived dead-letter topic name.
func (c *Coordinator) DLQTopic() string {
	return c.cfg.TopicFor(c.sourceTopic)
}

func (c *Coordinator) sendToDLQ(ctx context.Context, rec *Record, cause error, kind ErrorKind, id MessageIdentity) Result {
	// The breaker counts the terminal failure before the publish attempt so
	// a failure storm opens the circuit even when every DLQ write succeeds.
	if c.cfg.Strategy == StrategyCircuitBreaker {
		c.breaker.RecordFailure()
	}

	retryCount := c.ledger.Count(id)

	if err := c.publisher.Publish(ctx, rec, cause, kind, retryCount); err != nil {
		c.publishFailures.Add(1)
		// Loud on purpose: the message is neither retried, nor recorded,
		// nor safely archived.
		c.logger.Error().
			Str("error_type", string(kind)).
			Int("retry_count", retryCount).
			Int64("offset", rec.Offset).
			Err(err).
			Msg("dlq publish failed; message may be lost")
		return Result{
			Outcome:    OutcomeDLQPublishFailed,
			Kind:       kind,
			RetryCount: retryCount,
		}
	}

	c.ledger.Clear(id)
	c.published.Add(1)
	c.logger.Info().
		Str("error_type", string(kind)).
		Int("retry_count", retryCount).
		Int64("offset", rec.Offset).
		Err(cause).
		Msg("message sent to dlq")
	return Result{
		Outcome:    OutcomeSentToDLQ,
		Kind:       kind,
		RetryCount: retryCount,
	}
}
