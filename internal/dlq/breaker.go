package dlq

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine's current position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a three-state circuit breaker guarding one source topic. State
// transitions are driven by RecordSuccess/RecordFailure; the OPEN→HALF_OPEN
// recovery transition is evaluated lazily inside Allow rather than by a
// timer. All methods are safe for concurrent use: every read-compare-write
// happens under a single critical section.
//
// Breaker state is process-local. Multiple consumer processes reading the
// same topic under one group each run their own breaker and may disagree
// about the same failure storm; cross-process coordination is a deliberate
// non-feature.
type Breaker struct {
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// BreakerStats is a point-in-time snapshot of the breaker.
type BreakerStats struct {
	State     BreakerState
	Failures  int
	Successes int
	OpenedAt  time.Time
}

// NewBreaker constructs a closed breaker. The now function is injectable for
// tests and defaults to time.Now.
func NewBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              now,
		state:            BreakerClosed,
	}
}

// Allow reports whether the breaker currently admits traffic. While OPEN it
// first checks whether the recovery timeout has elapsed and, if so, moves to
// HALF_OPEN to admit probe traffic. Only the OPEN state refuses.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state != BreakerOpen
}

// RecordSuccess feeds a successful outcome into the breaker. In CLOSED it
// clears the failure streak; in HALF_OPEN it counts towards the success
// threshold and closes the breaker once reached.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.openedAt = time.Time{}
		}
	}
}

// RecordFailure feeds a failed outcome into the breaker. In CLOSED the
// consecutive failure count opens the breaker at the threshold. In HALF_OPEN
// a single failure re-opens immediately: half-open is a probe, not a grace
// period.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		b.open()
	}
}

// Snapshot returns the current breaker state and counters.
func (b *Breaker) Snapshot() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:     b.state,
		Failures:  b.failures,
		Successes: b.successes,
		OpenedAt:  b.openedAt,
	}
}

// open transitions to OPEN. Caller holds b.mu.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.successes = 0
	b.openedAt = b.now()
}
