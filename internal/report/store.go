// Package report keeps the Postgres audit trail of abuse reports. Ban
// decisions are made from the Redis counters; these rows are for moderator
// review.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// validReasons matches the CHECK constraint on abuse_reports.reason.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"underage":   true,
	"other":      true,
}

// NormalizeReason lowercases reason and maps anything unknown to "other".
func NormalizeReason(reason string) string {
	r := strings.ToLower(strings.TrimSpace(reason))
	if validReasons[r] {
		return r
	}
	return "other"
}

// Report is one abuse_reports row.
type Report struct {
	ID                  int64     `db:"id"`
	ReporterID          string    `db:"reporter_id"`
	ReporterFingerprint string    `db:"reporter_fingerprint"`
	ReportedID          string    `db:"reported_id"`
	ReportedFingerprint string    `db:"reported_fingerprint"`
	SessionID           string    `db:"session_id"`
	Reason              string    `db:"reason"`
	ResultedInBan       bool      `db:"resulted_in_ban"`
	CreatedAt           time.Time `db:"created_at"`
}

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report. The reason must already be one of the allowed
// values.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if !validReasons[r.Reason] {
		return fmt.Errorf("report: invalid reason %q", r.Reason)
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO abuse_reports (reporter_id, reporter_fingerprint, reported_id, reported_fingerprint,
		                           session_id, reason, resulted_in_ban)
		VALUES (:reporter_id, :reporter_fingerprint, :reported_id, :reported_fingerprint,
		        :session_id, :reason, :resulted_in_ban)
	`, r)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns how many reports were filed against a fingerprint
// within window.
func (s *Store) CountRecent(ctx context.Context, reportedFingerprint string, window time.Duration) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_fingerprint = $1
		  AND created_at >= $2
	`, reportedFingerprint, time.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// ForFingerprint lists reports against a fingerprint, newest first.
func (s *Store) ForFingerprint(ctx context.Context, reportedFingerprint string, limit int) ([]Report, error) {
	var out []Report
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM abuse_reports
		WHERE reported_fingerprint = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, reportedFingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	return out, nil
}
