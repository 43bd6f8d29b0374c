package worker

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/stream-dlq/internal/dlq"
)

const defaultCircuitProbe = time.Second

// Processor executes the business logic for one record. A returned error is
// reported to the DLQ coordinator, which decides between retry, dead-letter
// and rejection.
type Processor interface {
	Process(ctx context.Context, rec *dlq.Record) error
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, rec *dlq.Record) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, rec *dlq.Record) error {
	return f(ctx, rec)
}

// FailureHandler is the coordinator behaviour the runner depends on.
// *dlq.Coordinator satisfies it; tests substitute stubs.
type FailureHandler interface {
	HandleFailure(ctx context.Context, rec *dlq.Record, cause error) dlq.Result
	RecordSuccess(id dlq.MessageIdentity)
}

// CommitFunc commits the offset of the record currently being processed.
type CommitFunc func(ctx context.Context) error

// Config contains the runtime settings for the runner.
type Config struct {
	Topic       string
	Concurrency int
	// CircuitProbe is how long a processing context waits before re-asking
	// the coordinator after a circuit-open rejection.
	CircuitProbe time.Duration
}

// Dependencies collects the runtime collaborators required by the runner.
type Dependencies struct {
	Processor Processor
	Failures  FailureHandler
	Logger    zerolog.Logger
}

// Runner drives message processing for one topic: it invokes the processor,
// routes failures to the DLQ coordinator, sleeps retry backoffs in the
// record's own goroutine, and commits offsets only on terminal outcomes.
// Concurrency across records is bounded by a weighted semaphore; no shared
// lock is ever held while a record waits out a backoff.
type Runner struct {
	cfg       Config
	processor Processor
	failures  FailureHandler
	logger    zerolog.Logger

	semaphore *semaphore.Weighted
}

// NewRunner constructs a runner. Configuration and dependencies are
// validated to prevent misconfiguration at startup.
func NewRunner(cfg Config, deps Dependencies) (*Runner, error) {
	if cfg.Topic == "" {
		return nil, errors.New("worker: topic must be provided")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("worker: concurrency must be >= 1")
	}
	if cfg.CircuitProbe <= 0 {
		cfg.CircuitProbe = defaultCircuitProbe
	}
	if deps.Processor == nil {
		return nil, errors.New("worker: processor dependency is required")
	}
	if deps.Failures == nil {
		return nil, errors.New("worker: failure handler dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "worker_runner").Logger()

	return &Runner{
		cfg:       cfg,
		processor: deps.Processor,
		failures:  deps.Failures,
		logger:    logger,
		semaphore: semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// HandleRecord schedules asynchronous processing for the record. The commit
// function is invoked once the record reaches a terminal outcome. When all
// concurrency slots are busy the call blocks, which is what throttles intake
// while the circuit is open.
func (r *Runner) HandleRecord(ctx context.Context, rec *dlq.Record, commit CommitFunc) {
	if rec == nil {
		return
	}

	if err := r.semaphore.Acquire(ctx, 1); err != nil {
		r.logger.Warn().
			Str("topic", rec.Topic).
			Int64("offset", rec.Offset).
			Err(err).
			Msg("worker: failed to acquire concurrency slot")
		return
	}

	go r.processRecord(ctx, rec.Clone(), commit)
}

func (r *Runner) processRecord(ctx context.Context, rec *dlq.Record, commit CommitFunc) {
	defer r.semaphore.Release(1)

	id := rec.Identity()
	logger := r.logger.With().
		Str("topic", rec.Topic).
		Int32("partition", rec.Partition).
		Int64("offset", rec.Offset).
		Logger()

	for {
		err := r.processor.Process(ctx, rec)
		if err == nil {
			r.failures.RecordSuccess(id)
			r.commit(ctx, logger, commit)
			return
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Err(err).Msg("worker: context cancelled during processing; record will be redelivered")
			return
		}

		res := r.failures.HandleFailure(ctx, rec, err)
		switch res.Outcome {
		case dlq.OutcomeRetry:
			if !r.wait(ctx, res.Backoff) {
				logger.Warn().
					Int("retry_count", res.RetryCount).
					Msg("worker: shutdown while waiting for retry; record will be redelivered")
				return
			}

		case dlq.OutcomeSentToDLQ:
			r.commit(ctx, logger, commit)
			return

		case dlq.OutcomeDLQPublishFailed:
			// Leaving the offset uncommitted is the only remaining safety
			// net: the record is redelivered after restart or rebalance.
			logger.Error().
				Str("error_type", string(res.Kind)).
				Msg("worker: dlq publish failed; offset left uncommitted")
			return

		case dlq.OutcomeRejected:
			if res.Reason == dlq.ReasonCircuitOpen {
				// Hold the record and probe again once the breaker may have
				// recovered. Busy slots back-pressure intake for the topic.
				if !r.wait(ctx, r.cfg.CircuitProbe) {
					return
				}
				continue
			}
			logger.Error().
				Err(err).
				Str("reason", res.Reason).
				Msg("worker: failure not handled by dlq subsystem")
			r.commit(ctx, logger, commit)
			return
		}
	}
}

func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Runner) commit(ctx context.Context, logger zerolog.Logger, commit CommitFunc) {
	if commit == nil {
		return
	}
	if err := commit(ctx); err != nil {
		logger.Error().Err(err).Msg("worker: failed to commit record offset")
	}
}
