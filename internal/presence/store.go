// Package presence records which participants are connected to which server
// instance, and what they are doing, in Redis. Other instances and the
// participant directory read it; the matching core never does.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys. It is refreshed on every
	// status change and by the heartbeat.
	TTL = 1 * time.Hour

	StatusIdle   = "idle"
	StatusQueued = "queued"
	StatusPaired = "paired"
)

// Record is a participant's presence as stored in Redis.
type Record struct {
	ID          string `redis:"id"`
	Status      string `redis:"status"`      // idle | queued | paired
	SessionID   string `redis:"session_id"`  // empty unless paired
	Mode        string `redis:"mode"`        // mode of the last join
	Server      string `redis:"server"`      // which server instance
	Fingerprint string `redis:"fingerprint"` // browser fingerprint hash
	CreatedAt   int64  `redis:"created_at"`  // unix timestamp
	LastActive  int64  `redis:"last_active"` // unix timestamp
}

// Store manages presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new idle record for a freshly connected participant.
func (s *Store) Create(ctx context.Context, id string) error {
	key := KeyPrefix + id
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          id,
		"status":      StatusIdle,
		"session_id":  "",
		"mode":        "",
		"server":      s.serverName,
		"fingerprint": "",
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: create %s: %w", id, err)
	}
	return nil
}

// Get retrieves a record. It returns nil, nil when the participant is not
// present.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, KeyPrefix+id).Scan(&rec); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", id, err)
	}
	if rec.ID == "" {
		return nil, nil
	}
	return &rec, nil
}

// MarkQueued records that the participant is waiting in the given mode.
func (s *Store) MarkQueued(ctx context.Context, id, mode string) error {
	return s.update(ctx, id, "status", StatusQueued, "mode", mode, "session_id", "")
}

// MarkPaired records the participant's active session.
func (s *Store) MarkPaired(ctx context.Context, id, sessionID string) error {
	return s.update(ctx, id, "status", StatusPaired, "session_id", sessionID)
}

// MarkIdle clears any queue or session state.
func (s *Store) MarkIdle(ctx context.Context, id string) error {
	return s.update(ctx, id, "status", StatusIdle, "session_id", "")
}

// SetFingerprint stores the browser fingerprint hash.
func (s *Store) SetFingerprint(ctx context.Context, id, fingerprint string) error {
	return s.update(ctx, id, "fingerprint", fingerprint)
}

// update writes fields only while the record exists, so a late status change
// never resurrects a participant that already disconnected.
func (s *Store) update(ctx context.Context, id string, fields ...interface{}) error {
	key := KeyPrefix + id
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("presence: update %s: %w", id, err)
	}
	if n == 0 {
		return nil
	}

	fields = append(fields, "last_active", time.Now().Unix())
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: update %s: %w", id, err)
	}
	return nil
}

// RefreshTTL extends the record's TTL.
func (s *Store) RefreshTTL(ctx context.Context, id string) error {
	return s.client.Expire(ctx, KeyPrefix+id, TTL).Err()
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, KeyPrefix+id).Err()
}
