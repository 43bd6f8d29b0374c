package dlq

import "time"

// Decision is the per-failure disposition produced by the decision engine.
type Decision string

const (
	DecisionRetry     Decision = "retry"
	DecisionSendToDLQ Decision = "send_to_dlq"
	DecisionReject    Decision = "reject"
)

// Reject reasons distinguish "DLQ handling is off" from "the circuit is
// actively refusing work" in logs and outcomes.
const (
	ReasonDisabled    = "disabled"
	ReasonCircuitOpen = "circuit_open"
)

// Verdict is the engine's answer for one failed message. RetryCount is the
// attempt number consumed when the decision is retry.
type Verdict struct {
	Decision   Decision
	Backoff    time.Duration
	RetryCount int
	Reason     string
}

// engine combines ledger state and breaker permission into one decision per
// failed message. It owns no state of its own; the ledger and breaker are
// shared with the coordinator.
type engine struct {
	strategy Strategy
	backoff  time.Duration
	ledger   *Ledger
	breaker  *Breaker
}

func newEngine(cfg Config, ledger *Ledger, breaker *Breaker) *engine {
	return &engine{
		strategy: cfg.Strategy,
		backoff:  cfg.RetryBackoff,
		ledger:   ledger,
		breaker:  breaker,
	}
}

// decide applies the gates in order: disabled pass-through, circuit
// permission, retry budget, then terminal DLQ. A message is retried only
// while both the budget and the breaker allow it; the moment either gate
// closes the message becomes terminal rather than retrying indefinitely.
func (e *engine) decide(kind ErrorKind, id MessageIdentity) Verdict {
	switch e.strategy {
	case StrategyDisabled:
		return Verdict{Decision: DecisionReject, Reason: ReasonDisabled}
	case StrategyCircuitBreaker:
		if !e.breaker.Allow() {
			return Verdict{Decision: DecisionReject, Reason: ReasonCircuitOpen}
		}
	}

	if count, ok := e.ledger.TryRetry(kind, id); ok {
		return Verdict{Decision: DecisionRetry, Backoff: e.backoff, RetryCount: count}
	}

	return Verdict{Decision: DecisionSendToDLQ}
}
