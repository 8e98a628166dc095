package claims

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "tally:claim:"

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisClaimer grants claims shared by every server instance using the same Redis.
type RedisClaimer struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisClaimer constructs a Claimer backed by SET NX with owner-checked release.
func NewRedisClaimer(client redis.UniversalClient, keyPrefix string) *RedisClaimer {
	if keyPrefix == "" {
		keyPrefix = defaultRedisPrefix
	}
	return &RedisClaimer{client: client, keyPrefix: keyPrefix}
}

func (c *RedisClaimer) TryClaim(ctx context.Context, name string, ttl time.Duration) (Claim, error) {
	key := c.keyPrefix + name
	owner := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrClaimNotAcquired
	}
	return &redisClaim{client: c.client, name: name, key: key, owner: owner}, nil
}

type redisClaim struct {
	client redis.UniversalClient
	name   string
	key    string
	owner  string
}

func (r *redisClaim) Name() string {
	return r.name
}

func (r *redisClaim) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.owner).Int64()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrClaimNotHeld
	}
	return nil
}
