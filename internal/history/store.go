// Package history persists closed-session outcomes to match_history.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whisper/video-chat/internal/messaging"
)

// Entry is one match_history row.
type Entry struct {
	SessionID       string         `db:"session_id"`
	InitiatorID     string         `db:"initiator_id"`
	ResponderID     string         `db:"responder_id"`
	Mode            string         `db:"mode"`
	Score           float64        `db:"score"`
	SharedInterests pq.StringArray `db:"shared_interests"`
	StartedAt       time.Time      `db:"started_at"`
	EndedAt         time.Time      `db:"ended_at"`
	DurationSeconds int            `db:"duration_seconds"`
	Reason          string         `db:"reason"`
	EndedBy         string         `db:"ended_by"`
	Server          string         `db:"server"`
	RecordedAt      time.Time      `db:"recorded_at"`
}

// Store writes and reads match history.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Record inserts an outcome. Redelivered outcomes for the same session are
// ignored.
func (s *Store) Record(ctx context.Context, o messaging.MatchOutcome) error {
	interests := o.SharedInterests
	if interests == nil {
		interests = []string{}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO match_history (session_id, initiator_id, responder_id, mode, score, shared_interests,
		                           started_at, ended_at, duration_seconds, reason, ended_by, server)
		VALUES (:session_id, :initiator_id, :responder_id, :mode, :score, :shared_interests,
		        :started_at, :ended_at, :duration_seconds, :reason, :ended_by, :server)
		ON CONFLICT (session_id) DO NOTHING
	`, Entry{
		SessionID:       o.SessionID,
		InitiatorID:     o.InitiatorID,
		ResponderID:     o.ResponderID,
		Mode:            o.Mode,
		Score:           o.Score,
		SharedInterests: pq.StringArray(interests),
		StartedAt:       o.StartedAt,
		EndedAt:         o.EndedAt,
		DurationSeconds: o.DurationSeconds,
		Reason:          o.Reason,
		EndedBy:         o.EndedBy,
		Server:          o.Server,
	})
	if err != nil {
		return fmt.Errorf("history: record %s: %w", o.SessionID, err)
	}
	return nil
}

// ForParticipant returns the most recent sessions a participant took part
// in, newest first.
func (s *Store) ForParticipant(ctx context.Context, participantID string, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM match_history
		WHERE initiator_id = $1 OR responder_id = $1
		ORDER BY ended_at DESC
		LIMIT $2
	`, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list %s: %w", participantID, err)
	}
	return entries, nil
}
