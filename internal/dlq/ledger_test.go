package dlq_test

import (
	"sync"
	"testing"

	"github.com/example/stream-dlq/internal/dlq"
)

func ledgerConfig(strategy dlq.Strategy, maxAttempts int) dlq.Config {
	cfg := dlq.DefaultConfig()
	cfg.Strategy = strategy
	cfg.MaxRetryAttempts = maxAttempts
	return cfg
}

func TestLedgerRetryBudgetMonotonicity(t *testing.T) {
	ledger := dlq.NewLedger(ledgerConfig(dlq.StrategyRetryThenDLQ, 3))
	id := dlq.MessageIdentity{Topic: "orders", Partition: 0, Offset: 10}

	for want := 1; want <= 3; want++ {
		count, ok := ledger.TryRetry(dlq.ErrorKindConnection, id)
		if !ok {
			t.Fatalf("attempt %d: expected retry to be admitted", want)
		}
		if count != want {
			t.Fatalf("attempt %d: count = %d", want, count)
		}
	}

	// Budget exhausted: every further attempt is refused until Clear.
	for i := 0; i < 5; i++ {
		if _, ok := ledger.TryRetry(dlq.ErrorKindConnection, id); ok {
			t.Fatalf("expected retry refusal after budget exhausted")
		}
	}

	ledger.Clear(id)
	count, ok := ledger.TryRetry(dlq.ErrorKindConnection, id)
	if !ok || count != 1 {
		t.Fatalf("expected fresh count after clear, got count=%d ok=%v", count, ok)
	}
}

func TestLedgerImmediateDLQBypass(t *testing.T) {
	ledger := dlq.NewLedger(ledgerConfig(dlq.StrategyRetryThenDLQ, 100))
	id := dlq.MessageIdentity{Topic: "orders", Partition: 1, Offset: 1}

	for _, kind := range []dlq.ErrorKind{dlq.ErrorKindDeserialization, dlq.ErrorKindSchema} {
		if ledger.ShouldRetry(kind, id) {
			t.Fatalf("expected no retry for immediate-dlq kind %s", kind)
		}
		if _, ok := ledger.TryRetry(kind, id); ok {
			t.Fatalf("expected TryRetry refusal for immediate-dlq kind %s", kind)
		}
	}
}

func TestLedgerIneligibleKinds(t *testing.T) {
	ledger := dlq.NewLedger(ledgerConfig(dlq.StrategyRetryThenDLQ, 3))
	id := dlq.MessageIdentity{Topic: "orders", Partition: 0, Offset: 2}

	// Processing and unknown are not in the default retry set.
	if ledger.ShouldRetry(dlq.ErrorKindProcessing, id) {
		t.Fatalf("expected no retry for processing errors by default")
	}
	if ledger.ShouldRetry(dlq.ErrorKindUnknown, id) {
		t.Fatalf("expected no retry for unknown errors by default")
	}
}

func TestLedgerDisabledAndImmediateStrategies(t *testing.T) {
	id := dlq.MessageIdentity{Topic: "orders", Partition: 0, Offset: 3}

	for _, strategy := range []dlq.Strategy{dlq.StrategyDisabled, dlq.StrategyImmediate} {
		ledger := dlq.NewLedger(ledgerConfig(strategy, 3))
		if ledger.ShouldRetry(dlq.ErrorKindConnection, id) {
			t.Fatalf("strategy %s: expected no retry", strategy)
		}
	}
}

func TestLedgerStats(t *testing.T) {
	ledger := dlq.NewLedger(ledgerConfig(dlq.StrategyRetryThenDLQ, 5))
	a := dlq.MessageIdentity{Topic: "orders", Partition: 0, Offset: 1}
	b := dlq.MessageIdentity{Topic: "orders", Partition: 0, Offset: 2}

	ledger.TryRetry(dlq.ErrorKindConnection, a)
	ledger.TryRetry(dlq.ErrorKindConnection, a)
	ledger.TryRetry(dlq.ErrorKindTimeout, b)

	stats := ledger.Stats()
	if stats.ActiveRetries != 2 {
		t.Fatalf("expected 2 active retries, got %d", stats.ActiveRetries)
	}
	if stats.Counts[a] != 2 || stats.Counts[b] != 1 {
		t.Fatalf("unexpected counts: %v", stats.Counts)
	}

	ledger.Clear(a)
	if got := ledger.Stats().ActiveRetries; got != 1 {
		t.Fatalf("expected 1 active retry after clear, got %d", got)
	}
}

func TestLedgerConcurrentTryRetry(t *testing.T) {
	const budget = 50
	ledger := dlq.NewLedger(ledgerConfig(dlq.StrategyRetryThenDLQ, budget))
	id := dlq.MessageIdentity{Topic: "orders", Partition: 0, Offset: 99}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < budget*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := ledger.TryRetry(dlq.ErrorKindConnection, id); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != budget {
		t.Fatalf("expected exactly %d admitted retries, got %d", budget, admitted)
	}
	if count := ledger.Count(id); count != budget {
		t.Fatalf("expected recorded count %d, got %d", budget, count)
	}
}
