// Package claims provides short-lived named claims taken before a slow
// existence check, so concurrent writers of the same logical record serialize.
package claims

import (
	"context"
	"errors"
	"sort"
	"time"
)

const (
	defaultWaitTimeout = 2 * time.Second
	initialBackoff     = 5 * time.Millisecond
	maxBackoff         = 200 * time.Millisecond
)

var (
	// ErrClaimNotAcquired is returned when a claim is held by another owner past the wait timeout.
	ErrClaimNotAcquired = errors.New("claims: claim not acquired")
	// ErrClaimNotHeld is returned when releasing a claim that expired or changed owner.
	ErrClaimNotHeld = errors.New("claims: claim not held")
)

// Claim is a held named claim.
type Claim interface {
	Name() string
	Release(ctx context.Context) error
}

// Claimer grants exclusive named claims.
type Claimer interface {
	// TryClaim returns ErrClaimNotAcquired immediately when the name is held.
	TryClaim(ctx context.Context, name string, ttl time.Duration) (Claim, error)
}

// Acquire retries TryClaim with capped exponential backoff until waitTimeout elapses.
func Acquire(ctx context.Context, claimer Claimer, name string, ttl, waitTimeout time.Duration) (Claim, error) {
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	deadline := time.Now().Add(waitTimeout)
	backoff := initialBackoff
	for {
		claim, err := claimer.TryClaim(ctx, name, ttl)
		if err == nil {
			return claim, nil
		}
		if !errors.Is(err, ErrClaimNotAcquired) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrClaimNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Set is a group of claims released together.
type Set struct {
	claims []Claim
}

// AcquireAll takes every named claim in sorted order. On failure the claims
// already taken are released.
func AcquireAll(ctx context.Context, claimer Claimer, names []string, ttl, waitTimeout time.Duration) (*Set, error) {
	ordered := append([]string(nil), names...)
	sort.Strings(ordered)
	set := &Set{claims: make([]Claim, 0, len(ordered))}
	for index, name := range ordered {
		if index > 0 && ordered[index-1] == name {
			continue
		}
		claim, err := Acquire(ctx, claimer, name, ttl, waitTimeout)
		if err != nil {
			set.Release(context.WithoutCancel(ctx))
			return nil, err
		}
		set.claims = append(set.claims, claim)
	}
	return set, nil
}

// Release gives up every claim in the set and returns the first error.
func (s *Set) Release(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var firstErr error
	for index := len(s.claims) - 1; index >= 0; index-- {
		if err := s.claims[index].Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.claims = nil
	return firstErr
}

// Len reports the number of held claims.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.claims)
}
