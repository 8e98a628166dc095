package claims

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalClaimer grants claims within a single process.
type LocalClaimer struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	owner     string
	expiresAt time.Time
}

// NewLocalClaimer constructs an in-process Claimer.
func NewLocalClaimer() *LocalClaimer {
	return &LocalClaimer{
		held:  make(map[string]localEntry),
		clock: time.Now,
	}
}

func (c *LocalClaimer) TryClaim(ctx context.Context, name string, ttl time.Duration) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.held[name]; ok && now.Before(entry.expiresAt) {
		return nil, ErrClaimNotAcquired
	}
	owner := uuid.NewString()
	c.held[name] = localEntry{owner: owner, expiresAt: now.Add(ttl)}
	return &localClaim{claimer: c, name: name, owner: owner}, nil
}

func (c *LocalClaimer) release(name, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.held[name]
	if !ok || entry.owner != owner {
		return ErrClaimNotHeld
	}
	delete(c.held, name)
	return nil
}

type localClaim struct {
	claimer *LocalClaimer
	name    string
	owner   string
}

func (l *localClaim) Name() string {
	return l.name
}

func (l *localClaim) Release(context.Context) error {
	return l.claimer.release(l.name, l.owner)
}
