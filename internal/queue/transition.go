package queue

import (
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/classifier"
)

const (
	DefaultMaxAttempts = 25
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Minute

	// CodeRetryBudgetExhausted marks a mutation that kept failing transiently.
	CodeRetryBudgetExhausted = "retry_budget_exhausted"
)

// Action tells the store what to do with a mutation after a transition.
type Action int

const (
	// ActionRemove drops the mutation; its effect is on the server.
	ActionRemove Action = iota
	// ActionReschedule keeps the mutation pending until NextAttemptAt.
	ActionReschedule
	// ActionFail parks the mutation in failed_terminal for review.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRemove:
		return "remove"
	case ActionReschedule:
		return "reschedule"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// State is the retry-relevant part of a mutation.
type State struct {
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	LastErrorCode string
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = DefaultMaxDelay
		if p.MaxDelay < p.BaseDelay {
			p.MaxDelay = p.BaseDelay
		}
	}
	return p
}

// Backoff returns the delay after the given number of failed attempts:
// BaseDelay doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	p = p.normalized()
	if attempts <= 1 {
		return p.BaseDelay
	}
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Transition applies one classified attempt outcome to a mutation state.
// It performs no I/O.
func (p RetryPolicy) Transition(state State, outcome classifier.Outcome, now time.Time) (State, Action) {
	p = p.normalized()

	if outcome.Verdict.Success() {
		next := state
		next.LastError = ""
		next.LastErrorCode = ""
		return next, ActionRemove
	}

	next := state
	next.Attempts = state.Attempts + 1
	next.LastError = describe(outcome)
	next.LastErrorCode = outcome.Code

	if outcome.Verdict.Terminal() {
		next.Status = StatusFailedTerminal
		next.NextAttemptAt = time.Time{}
		if next.LastErrorCode == "" {
			next.LastErrorCode = string(outcome.Verdict)
		}
		return next, ActionFail
	}

	if next.Attempts >= p.MaxAttempts {
		next.Status = StatusFailedTerminal
		next.NextAttemptAt = time.Time{}
		next.LastErrorCode = CodeRetryBudgetExhausted
		return next, ActionFail
	}

	delay := p.Backoff(next.Attempts)
	if outcome.RetryAfter > delay {
		delay = outcome.RetryAfter
	}
	next.Status = StatusPending
	next.NextAttemptAt = now.Add(delay).UTC()
	return next, ActionReschedule
}

func describe(outcome classifier.Outcome) string {
	if outcome.Detail != "" {
		return outcome.Detail
	}
	if outcome.Cause != nil {
		return outcome.Cause.Error()
	}
	return string(outcome.Verdict)
}
