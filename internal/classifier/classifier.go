// Package classifier is the single place where transport outcomes and storage
// errors are interpreted as retry-later, treat-as-success or fatal.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
)

// Verdict is the interpreted result of one delivery attempt.
type Verdict string

const (
	// VerdictApplied means the server performed the mutation.
	VerdictApplied Verdict = "applied"
	// VerdictDuplicate means the server already had the effect; this is success.
	VerdictDuplicate Verdict = "duplicate"
	// VerdictRetry means the attempt may not have reached the server or failed transiently.
	VerdictRetry Verdict = "retry"
	// VerdictFatal means the server rejected the mutation and will keep rejecting it.
	VerdictFatal Verdict = "fatal"
	// VerdictKeyCollision means the key was already bound to a different request.
	VerdictKeyCollision Verdict = "key_collision"
)

// Success reports whether the mutation can be removed from the queue.
func (v Verdict) Success() bool {
	return v == VerdictApplied || v == VerdictDuplicate
}

// Terminal reports whether the mutation must never be retried.
func (v Verdict) Terminal() bool {
	return v == VerdictFatal || v == VerdictKeyCollision
}

// Outcome is the decoded, classified result of one attempt. Exactly one of the
// verdict-specific fields is meaningful for a given verdict.
type Outcome struct {
	Verdict    Verdict
	StatusCode int
	Entity     *syncwire.Event
	Cursor     int64
	RetryAfter time.Duration
	Code       string
	Detail     string
	Cause      error
}

// Err returns the taxonomy error for failed outcomes and nil for successes.
func (o Outcome) Err() error {
	switch o.Verdict {
	case VerdictRetry:
		return &TransientTransportError{StatusCode: o.StatusCode, Cause: o.Cause, Detail: o.Detail}
	case VerdictFatal:
		return &ValidationError{StatusCode: o.StatusCode, Code: o.Code, Detail: o.Detail}
	case VerdictKeyCollision:
		return &KeyCollisionAnomaly{Detail: o.Detail}
	default:
		return nil
	}
}

// FromResponse classifies a completed HTTP exchange.
func FromResponse(statusCode int, header http.Header, body []byte) Outcome {
	outcome := Outcome{StatusCode: statusCode}

	switch {
	case statusCode >= 200 && statusCode < 300:
		var response syncwire.MutationResponse
		if err := json.Unmarshal(body, &response); err != nil {
			outcome.Verdict = VerdictRetry
			outcome.Cause = fmt.Errorf("decode mutation response: %w", err)
			outcome.Detail = "undecodable success body"
			return outcome
		}
		outcome.Entity = response.Entity
		outcome.Cursor = response.Cursor
		switch response.Status {
		case syncwire.StatusCreated, syncwire.StatusUpdated, syncwire.StatusDeleted:
			outcome.Verdict = VerdictApplied
		case syncwire.StatusDuplicate:
			outcome.Verdict = VerdictDuplicate
		default:
			outcome.Verdict = VerdictRetry
			outcome.Detail = fmt.Sprintf("unknown status %q", response.Status)
		}
		return outcome
	case statusCode == http.StatusConflict:
		problem := decodeProblem(body)
		outcome.Code = problem.Code
		outcome.Detail = problem.Detail
		if problem.Type == syncwire.ProblemTypePrefix+syncwire.ProblemKeyCollision {
			outcome.Verdict = VerdictKeyCollision
			return outcome
		}
		outcome.Verdict = VerdictDuplicate
		return outcome
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooEarly,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		problem := decodeProblem(body)
		outcome.Verdict = VerdictRetry
		outcome.Code = problem.Code
		outcome.Detail = problem.Detail
		outcome.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
		return outcome
	default:
		problem := decodeProblem(body)
		outcome.Verdict = VerdictFatal
		outcome.Code = problem.Code
		outcome.Detail = problem.Detail
		if outcome.Detail == "" {
			outcome.Detail = http.StatusText(statusCode)
		}
		return outcome
	}
}

// FromTransportError classifies an attempt that produced no HTTP response.
// Nothing can be known about whether the server applied it, so it is retried
// with the same key.
func FromTransportError(err error) Outcome {
	detail := "transport error"
	if errors.Is(err, context.DeadlineExceeded) {
		detail = "timeout"
	} else if errors.Is(err, context.Canceled) {
		detail = "canceled"
	}
	return Outcome{Verdict: VerdictRetry, Cause: err, Detail: detail}
}

func decodeProblem(body []byte) syncwire.Problem {
	var problem syncwire.Problem
	if len(body) == 0 {
		return problem
	}
	if err := json.Unmarshal(body, &problem); err != nil {
		return syncwire.Problem{}
	}
	return problem
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}
