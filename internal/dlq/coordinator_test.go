package dlq_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/stream-dlq/internal/dlq"
)

type publishedEntry struct {
	rec        *dlq.Record
	kind       dlq.ErrorKind
	retryCount int
}

type publisherCollector struct {
	mu      sync.Mutex
	err     error
	entries []publishedEntry
}

func (p *publisherCollector) Publish(_ context.Context, rec *dlq.Record, _ error, kind dlq.ErrorKind, retryCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.entries = append(p.entries, publishedEntry{rec: rec, kind: kind, retryCount: retryCount})
	return nil
}

func (p *publisherCollector) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *publisherCollector) published() []publishedEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEntry(nil), p.entries...)
}

func newCoordinator(t *testing.T, cfg dlq.Config, deps dlq.Dependencies) *dlq.Coordinator {
	t.Helper()
	if deps.Publisher == nil {
		deps.Publisher = &publisherCollector{}
	}
	coordinator, err := dlq.NewCoordinator("orders", "orders-consumer", cfg, deps)
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}
	return coordinator
}

func ordersRecord(offset int64) *dlq.Record {
	return &dlq.Record{
		Topic:     "orders",
		Partition: 0,
		Offset:    offset,
		Key:       []byte("order-1"),
		Value:     []byte(`{"order_id":1}`),
	}
}

func TestCoordinatorRetryThenDLQScenario(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = dlq.StrategyRetryThenDLQ
	cfg.MaxRetryAttempts = 2
	cfg.RetryOn = []dlq.ErrorKind{dlq.ErrorKindConnection}

	collector := &publisherCollector{}
	coordinator := newCoordinator(t, cfg, dlq.Dependencies{Publisher: collector, Logger: zerolog.New(io.Discard)})

	ctx := context.Background()
	rec := ordersRecord(10)
	cause := errors.New("connection refused")

	first := coordinator.HandleFailure(ctx, rec, cause)
	if first.Outcome != dlq.OutcomeRetry || first.RetryCount != 1 {
		t.Fatalf("first failure: %+v", first)
	}
	if first.Backoff != cfg.RetryBackoff {
		t.Fatalf("expected configured backoff, got %v", first.Backoff)
	}

	second := coordinator.HandleFailure(ctx, rec, cause)
	if second.Outcome != dlq.OutcomeRetry || second.RetryCount != 2 {
		t.Fatalf("second failure: %+v", second)
	}

	third := coordinator.HandleFailure(ctx, rec, cause)
	if third.Outcome != dlq.OutcomeSentToDLQ {
		t.Fatalf("third failure: %+v", third)
	}
	if third.RetryCount != 2 {
		t.Fatalf("expected retry count 2 at dlq time, got %d", third.RetryCount)
	}

	entries := collector.published()
	if len(entries) != 1 {
		t.Fatalf("expected one dlq publish, got %d", len(entries))
	}
	if entries[0].kind != dlq.ErrorKindConnection || entries[0].retryCount != 2 {
		t.Fatalf("unexpected published entry: %+v", entries[0])
	}

	// Ledger cleanup: the next failure for the same identity starts fresh.
	fresh := coordinator.HandleFailure(ctx, rec, cause)
	if fresh.Outcome != dlq.OutcomeRetry || fresh.RetryCount != 1 {
		t.Fatalf("expected fresh retry count after dlq send, got %+v", fresh)
	}
}

func TestCoordinatorImmediateStrategy(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = dlq.StrategyImmediate
	cfg.MaxRetryAttempts = 100

	collector := &publisherCollector{}
	coordinator := newCoordinator(t, cfg, dlq.Dependencies{Publisher: collector, Logger: zerolog.New(io.Discard)})

	res := coordinator.HandleFailure(context.Background(), ordersRecord(1), errors.New("connection refused"))
	if res.Outcome != dlq.OutcomeSentToDLQ {
		t.Fatalf("expected immediate dlq send, got %+v", res)
	}
	if res.RetryCount != 0 {
		t.Fatalf("expected retry count 0, got %d", res.RetryCount)
	}
	if len(collector.published()) != 1 {
		t.Fatalf("expected one publish")
	}
}

func TestCoordinatorDisabledStrategy(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = dlq.StrategyDisabled

	collector := &publisherCollector{}
	coordinator := newCoordinator(t, cfg, dlq.Dependencies{Publisher: collector, Logger: zerolog.New(io.Discard)})

	res := coordinator.HandleFailure(context.Background(), ordersRecord(1), errors.New("boom"))
	if res.Outcome != dlq.OutcomeRejected || res.Reason != dlq.ReasonDisabled {
		t.Fatalf("expected disabled rejection, got %+v", res)
	}
	if len(collector.published()) != 0 {
		t.Fatalf("expected no publishes when disabled")
	}
}

func TestCoordinatorCircuitBreakerScenario(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = dlq.StrategyCircuitBreaker
	cfg.FailureThreshold = 3

	collector := &publisherCollector{}
	coordinator := newCoordinator(t, cfg, dlq.Dependencies{Publisher: collector, Logger: zerolog.New(io.Discard)})

	ctx := context.Background()
	cause := errors.New("schema registry lookup failed")

	// Five distinct identities with a non-retryable kind: the first three go
	// to the DLQ and trip the breaker; the rest are refused outright.
	for offset := int64(1); offset <= 3; offset++ {
		res := coordinator.HandleFailure(ctx, ordersRecord(offset), cause)
		if res.Outcome != dlq.OutcomeSentToDLQ {
			t.Fatalf("offset %d: expected dlq send, got %+v", offset, res)
		}
	}
	for offset := int64(4); offset <= 5; offset++ {
		res := coordinator.HandleFailure(ctx, ordersRecord(offset), cause)
		if res.Outcome != dlq.OutcomeRejected || res.Reason != dlq.ReasonCircuitOpen {
			t.Fatalf("offset %d: expected circuit-open rejection, got %+v", offset, res)
		}
	}

	if len(collector.published()) != 3 {
		t.Fatalf("expected three dlq publishes, got %d", len(collector.published()))
	}

	stats := coordinator.Stats()
	if stats.Breaker.State != dlq.BreakerOpen {
		t.Fatalf("expected open breaker, got %s", stats.Breaker.State)
	}
	if stats.Published != 3 || stats.Rejected != 2 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
}

func TestCoordinatorCircuitBreakerRecovery(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = dlq.StrategyCircuitBreaker
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 1
	cfg.RecoveryTimeout = 30 * time.Second

	clock := newFakeClock()
	collector := &publisherCollector{}
	coordinator := newCoordinator(t, cfg, dlq.Dependencies{
		Publisher: collector,
		Logger:    zerolog.New(io.Discard),
		Now:       clock.Now,
	})

	ctx := context.Background()
	cause := errors.New("schema mismatch")

	if res := coordinator.HandleFailure(ctx, ordersRecord(1), cause); res.Outcome != dlq.OutcomeSentToDLQ {
		t.Fatalf("expected dlq send, got %+v", res)
	}
	if res := coordinator.HandleFailure(ctx, ordersRecord(2), cause); res.Outcome != dlq.OutcomeRejected {
		t.Fatalf("expected rejection while open, got %+v", res)
	}

	clock.Advance(30 * time.Second)
	if res := coordinator.HandleFailure(ctx, ordersRecord(3), cause); res.Outcome != dlq.OutcomeSentToDLQ {
		t.Fatalf("expected half-open admission to dlq path, got %+v", res)
	}
}

func TestCoordinatorDLQPublishFailure(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = dlq.StrategyRetryThenDLQ
	cfg.MaxRetryAttempts = 1
	cfg.RetryOn = []dlq.ErrorKind{dlq.ErrorKindConnection}

	collector := &publisherCollector{}
	coordinator := newCoordinator(t, cfg, dlq.Dependencies{Publisher: collector, Logger: zerolog.New(io.Discard)})

	ctx := context.Background()
	rec := ordersRecord(10)
	cause := errors.New("connection refused")

	if res := coordinator.HandleFailure(ctx, rec, cause); res.Outcome != dlq.OutcomeRetry {
		t.Fatalf("expected retry, got %+v", res)
	}

	collector.setErr(errors.New("broker unreachable"))
	res := coordinator.HandleFailure(ctx, rec, cause)
	if res.Outcome != dlq.OutcomeDLQPublishFailed {
		t.Fatalf("expected publish-failed outcome, got %+v", res)
	}
	if res.RetryCount != 1 {
		t.Fatalf("expected retry count preserved, got %d", res.RetryCount)
	}

	// The ledger entry survives a failed publish so history stays accurate.
	if got := coordinator.Stats().ActiveRetries; got != 1 {
		t.Fatalf("expected ledger entry retained, got %d active", got)
	}
	if got := coordinator.Stats().PublishFailures; got != 1 {
		t.Fatalf("expected publish failure counted, got %d", got)
	}

	// Once the broker recovers, the send carries the retained history.
	collector.setErr(nil)
	res = coordinator.HandleFailure(ctx, rec, cause)
	if res.Outcome != dlq.OutcomeSentToDLQ || res.RetryCount != 1 {
		t.Fatalf("expected dlq send with retained count, got %+v", res)
	}
	if got := coordinator.Stats().ActiveRetries; got != 0 {
		t.Fatalf("expected ledger cleared after successful publish, got %d", got)
	}
}

func TestCoordinatorRecordSuccessClearsState(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = dlq.StrategyRetryThenDLQ
	cfg.MaxRetryAttempts = 2
	cfg.RetryOn = []dlq.ErrorKind{dlq.ErrorKindConnection}

	coordinator := newCoordinator(t, cfg, dlq.Dependencies{Logger: zerolog.New(io.Discard)})

	ctx := context.Background()
	rec := ordersRecord(10)
	cause := errors.New("connection refused")

	coordinator.HandleFailure(ctx, rec, cause)
	if got := coordinator.Stats().ActiveRetries; got != 1 {
		t.Fatalf("expected one active retry, got %d", got)
	}

	coordinator.RecordSuccess(rec.Identity())
	if got := coordinator.Stats().ActiveRetries; got != 0 {
		t.Fatalf("expected ledger cleared on success, got %d", got)
	}

	// After the clear, a new failure starts a fresh budget.
	res := coordinator.HandleFailure(ctx, rec, cause)
	if res.Outcome != dlq.OutcomeRetry || res.RetryCount != 1 {
		t.Fatalf("expected fresh retry after success, got %+v", res)
	}
}

func TestCoordinatorCustomClassifier(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = dlq.StrategyRetryThenDLQ
	cfg.RetryOn = []dlq.ErrorKind{dlq.ErrorKindTimeout}

	custom := dlq.ClassifierFunc(func(err error, _ *dlq.Record) (dlq.ErrorKind, bool) {
		return dlq.ErrorKindTimeout, true
	})
	coordinator := newCoordinator(t, cfg, dlq.Dependencies{
		Classifier: custom,
		Logger:     zerolog.New(io.Discard),
	})

	// "boom" would classify as unknown; the custom classifier wins.
	res := coordinator.HandleFailure(context.Background(), ordersRecord(1), errors.New("boom"))
	if res.Outcome != dlq.OutcomeRetry || res.Kind != dlq.ErrorKindTimeout {
		t.Fatalf("expected custom classification to drive retry, got %+v", res)
	}
}

func TestCoordinatorClassifierPanicFallsBack(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = dlq.StrategyRetryThenDLQ
	cfg.RetryOn = []dlq.ErrorKind{dlq.ErrorKindConnection}

	panicking := dlq.ClassifierFunc(func(err error, _ *dlq.Record) (dlq.ErrorKind, bool) {
		panic("classifier bug")
	})
	coordinator := newCoordinator(t, cfg, dlq.Dependencies{
		Classifier: panicking,
		Logger:     zerolog.New(io.Discard),
	})

	res := coordinator.HandleFailure(context.Background(), ordersRecord(1), errors.New("connection refused"))
	if res.Outcome != dlq.OutcomeRetry || res.Kind != dlq.ErrorKindConnection {
		t.Fatalf("expected built-in classification after panic, got %+v", res)
	}
}

func TestCoordinatorStatsSurface(t *testing.T) {
	cfg := dlq.DefaultConfig()
	cfg.TopicPrefix = "failed."
	coordinator := newCoordinator(t, cfg, dlq.Dependencies{Logger: zerolog.New(io.Discard)})

	stats := coordinator.Stats()
	if stats.DLQTopic != "failed.orders_dlq" {
		t.Fatalf("unexpected dlq topic %q", stats.DLQTopic)
	}
	if stats.Breaker.State != dlq.BreakerClosed {
		t.Fatalf("expected closed breaker at rest, got %s", stats.Breaker.State)
	}
	if coordinator.DLQTopic() != stats.DLQTopic {
		t.Fatalf("DLQTopic and stats disagree")
	}
}

func TestCoordinatorConstructorValidation(t *testing.T) {
	cfg := dlq.DefaultConfig()

	if _, err := dlq.NewCoordinator("", "g", cfg, dlq.Dependencies{Publisher: &publisherCollector{}}); err == nil {
		t.Fatalf("expected error for missing topic")
	}
	if _, err := dlq.NewCoordinator("orders", "", cfg, dlq.Dependencies{Publisher: &publisherCollector{}}); err == nil {
		t.Fatalf("expected error for missing group")
	}
	if _, err := dlq.NewCoordinator("orders", "g", cfg, dlq.Dependencies{}); err == nil {
		t.Fatalf("expected error for missing publisher")
	}

	bad := cfg
	bad.Strategy = "sometimes"
	if _, err := dlq.NewCoordinator("orders", "g", bad, dlq.Dependencies{Publisher: &publisherCollector{}}); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}

	bad = cfg
	bad.Strategy = dlq.StrategyCircuitBreaker
	bad.FailureThreshold = 0
	if _, err := dlq.NewCoordinator("orders", "g", bad, dlq.Dependencies{Publisher: &publisherCollector{}}); err == nil {
		t.Fatalf("expected error for zero failure threshold")
	}
}
