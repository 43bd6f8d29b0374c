package dlq

import "sync"

// Ledger tracks per-message retry counts keyed by MessageIdentity. Entries
// are created on the first retry for an identity and must be removed via
// Clear on terminal disposition (success or DLQ send) so the map stays
// bounded by the number of messages in flight.
type Ledger struct {
	strategy    Strategy
	maxAttempts int
	retryOn     map[ErrorKind]struct{}
	immediate   map[ErrorKind]struct{}

	mu     sync.Mutex
	counts map[MessageIdentity]int
}

// LedgerStats is a point-in-time snapshot of the ledger contents.
type LedgerStats struct {
	ActiveRetries int
	Counts        map[MessageIdentity]int
}

// NewLedger constructs a retry ledger from the supplied configuration.
func NewLedger(cfg Config) *Ledger {
	return &Ledger{
		strategy:    cfg.Strategy,
		maxAttempts: cfg.MaxRetryAttempts,
		retryOn:     cfg.retrySet(),
		immediate:   cfg.immediateSet(),
		counts:      make(map[MessageIdentity]int),
	}
}

// ShouldRetry reports whether another retry is permitted for the identity
// without consuming budget. Disabled and immediate strategies never retry;
// kinds in the immediate-DLQ set or outside the retry-eligible set never
// retry; otherwise retry is allowed while the recorded count is below the
// budget.
func (l *Ledger) ShouldRetry(kind ErrorKind, id MessageIdentity) bool {
	if !l.eligible(kind) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[id] < l.maxAttempts
}

// TryRetry atomically performs the ShouldRetry check and, when it passes,
// consumes one unit of budget. The returned count is the attempt number just
// recorded (1 on the first retry). The check and increment happen under a
// single critical section so concurrent callers for the same identity cannot
// race past the budget.
func (l *Ledger) TryRetry(kind ErrorKind, id MessageIdentity) (int, bool) {
	if !l.eligible(kind) {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.counts[id]
	if count >= l.maxAttempts {
		return count, false
	}
	count++
	l.counts[id] = count
	return count, true
}

// RecordRetry increments and returns the retry count for the identity
// without an eligibility check.
func (l *Ledger) RecordRetry(id MessageIdentity) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[id]++
	return l.counts[id]
}

// Count returns the recorded retry count for the identity, zero when the
// identity has never been retried.
func (l *Ledger) Count(id MessageIdentity) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[id]
}

// Clear removes the entry for the identity. Called on terminal disposition;
// a later failure for the same identity starts a fresh count.
func (l *Ledger) Clear(id MessageIdentity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, id)
}

// Stats snapshots the ledger for observability surfaces.
func (l *Ledger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[MessageIdentity]int, len(l.counts))
	for id, n := range l.counts {
		counts[id] = n
	}
	return LedgerStats{ActiveRetries: len(counts), Counts: counts}
}

func (l *Ledger) eligible(kind ErrorKind) bool {
	if l.strategy == StrategyDisabled || l.strategy == StrategyImmediate {
		return false
	}
	if _, ok := l.immediate[kind]; ok {
		return false
	}
	if _, ok := l.retryOn[kind]; !ok {
		return false
	}
	return true
}
