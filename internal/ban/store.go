// Package ban provides fingerprint-based bans and partner reports backed by
// Redis. Keys:
//
//	ban:<fingerprint>        reason, TTL = ban duration
//	reports:<fingerprint>    set of reporter ids, TTL = ReportsTTL
//	offenses:<fingerprint>   count of bans served, TTL = OffensesTTL
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix      = "ban:"
	ReportsPrefix  = "reports:"
	OffensesPrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL bounds the window in which distinct reports accumulate.
	ReportsTTL = 24 * time.Hour

	// OffensesTTL is how long served bans count towards escalation.
	OffensesTTL = 30 * 24 * time.Hour

	// AutoBanThreshold is the number of distinct reporters within
	// ReportsTTL that triggers a ban.
	AutoBanThreshold = 3

	ReasonReports = "multiple_reports"
)

// Status describes a fingerprint's ban state.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check reports whether a fingerprint is currently banned. Redis errors are
// returned so callers can decide how to handle them; the gateway fails open.
func (s *Store) Check(ctx context.Context, fingerprint string) (Status, error) {
	key := BanPrefix + fingerprint

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check: %w", err)
	}

	st := Status{Banned: true, Reason: reason}
	// A ban whose TTL cannot be read is still a ban.
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Ban sets a ban on a fingerprint with the given duration and reason.
func (s *Store) Ban(ctx context.Context, fingerprint string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+fingerprint, reason, duration).Err()
}

// Unban removes a ban from a fingerprint immediately.
func (s *Store) Unban(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, BanPrefix+fingerprint).Err()
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// Violations returns the number of distinct pending reports plus bans served
// recently. It feeds the reputation penalty at join time.
func (s *Store) Violations(ctx context.Context, fingerprint string) (int, error) {
	pipe := s.client.Pipeline()
	reports := pipe.SCard(ctx, ReportsPrefix+fingerprint)
	offenses := pipe.Get(ctx, OffensesPrefix+fingerprint)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("ban: violations: %w", err)
	}

	n := int(reports.Val())
	if v, err := offenses.Int(); err == nil {
		n += v
	}
	return n, nil
}

// Report records that reporter reported fingerprint. Repeat reports from the
// same reporter count once. When AutoBanThreshold distinct reporters are
// reached the fingerprint is banned for an escalating duration and its
// pending reports are cleared.
func (s *Store) Report(ctx context.Context, fingerprint, reporter string) (Status, error) {
	key := ReportsPrefix + fingerprint

	if err := s.client.SAdd(ctx, key, reporter).Err(); err != nil {
		return Status{}, fmt.Errorf("ban: report add: %w", err)
	}
	count, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return Status{}, fmt.Errorf("ban: report count: %w", err)
	}

	// Set TTL only when the window opens so it doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return Status{}, fmt.Errorf("ban: report expire: %w", err)
		}
	}

	if count < AutoBanThreshold {
		return Status{}, nil
	}

	duration, err := s.escalate(ctx, fingerprint, ReasonReports)
	if err != nil {
		return Status{}, err
	}
	s.client.Del(ctx, key)
	return Status{Banned: true, Remaining: duration, Reason: ReasonReports}, nil
}

// escalate counts an offense and bans for the matching duration.
func (s *Store) escalate(ctx context.Context, fingerprint, reason string) (time.Duration, error) {
	key := OffensesPrefix + fingerprint

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffensesTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: escalate expire: %w", err)
		}
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, fingerprint, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}
	return duration, nil
}
