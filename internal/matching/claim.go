package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Claimer grants short-lived exclusive ownership of participant ids while a
// pairing is being confirmed. Claims are all-or-nothing and never block.
type Claimer interface {
	// Claim tries to claim every id under token. It returns false, with
	// nothing held, if any id is already claimed.
	Claim(ctx context.Context, token string, ids ...string) (bool, error)
	// Release drops the claims on ids that are held under token.
	Release(ctx context.Context, token string, ids ...string)
}

// MemoryClaimer is a process-local Claimer.
type MemoryClaimer struct {
	mu     sync.Mutex
	claims map[string]string // participant id -> token
}

// NewMemoryClaimer creates an empty MemoryClaimer.
func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{claims: make(map[string]string)}
}

func (c *MemoryClaimer) Claim(_ context.Context, token string, ids ...string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, held := c.claims[id]; held {
			return false, nil
		}
	}
	for _, id := range ids {
		c.claims[id] = token
	}
	return true, nil
}

func (c *MemoryClaimer) Release(_ context.Context, token string, ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if c.claims[id] == token {
			delete(c.claims, id)
		}
	}
}

// Held reports whether id is currently claimed.
func (c *MemoryClaimer) Held(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.claims[id]
	return ok
}

const keyClaimPrefix = "match:claim:"

// releaseScript deletes a claim key only if it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisClaimer is a Claimer shared by every server instance. Each claim is a
// SET NX key with a TTL so that a crashed instance cannot hold a participant
// forever.
type RedisClaimer struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisClaimer creates a RedisClaimer whose claims expire after ttl.
func NewRedisClaimer(client *redis.Client, ttl time.Duration) *RedisClaimer {
	return &RedisClaimer{
		client: client,
		ttl:    ttl,
		logger: log.With().Str("component", "matcher").Logger(),
	}
}

func (c *RedisClaimer) Claim(ctx context.Context, token string, ids ...string) (bool, error) {
	acquired := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := c.client.SetNX(ctx, keyClaimPrefix+id, token, c.ttl).Result()
		if err != nil {
			c.Release(ctx, token, acquired...)
			return false, fmt.Errorf("matching: claim %s: %w", id, err)
		}
		if !ok {
			c.Release(ctx, token, acquired...)
			return false, nil
		}
		acquired = append(acquired, id)
	}
	return true, nil
}

func (c *RedisClaimer) Release(ctx context.Context, token string, ids ...string) {
	for _, id := range ids {
		if err := releaseScript.Run(ctx, c.client, []string{keyClaimPrefix + id}, token).Err(); err != nil {
			c.logger.Warn().Err(err).Str("participant", id).Msg("failed to release claim")
		}
	}
}
