// Package directory reads the external participant directory: participants
// that are online and available but not waiting in this instance's queue.
// The directory is owned by the profile service; this package never writes
// to it.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whisper/video-chat/internal/participant"
)

type row struct {
	ParticipantID    string          `db:"participant_id"`
	DisplayName      string          `db:"display_name"`
	Age              int             `db:"age"`
	Gender           string          `db:"gender"`
	Interests        pq.StringArray  `db:"interests"`
	Latitude         sql.NullFloat64 `db:"latitude"`
	Longitude        sql.NullFloat64 `db:"longitude"`
	RatingAverage    float64         `db:"rating_average"`
	RatingCount      int             `db:"rating_count"`
	RecentViolations int             `db:"recent_violations"`
	AccountCreatedAt sql.NullTime    `db:"account_created_at"`
	MatchCount       int             `db:"match_count"`
	Blocked          pq.StringArray  `db:"blocked"`
	Mode             string          `db:"mode"`
	PrefAgeMin       int             `db:"pref_age_min"`
	PrefAgeMax       int             `db:"pref_age_max"`
	PrefGenders      pq.StringArray  `db:"pref_genders"`
	PrefMaxDistance  float64         `db:"pref_max_distance"`
	PrefInterests    pq.StringArray  `db:"pref_interests"`
}

func (r row) candidate() participant.CandidateProfile {
	p := participant.Participant{
		ID:          r.ParticipantID,
		DisplayName: r.DisplayName,
		Profile: participant.Profile{
			Age:       r.Age,
			Gender:    r.Gender,
			Interests: participant.NormalizeTags(r.Interests),
		},
		Reputation: participant.Reputation{
			RatingAverage:    r.RatingAverage,
			RatingCount:      r.RatingCount,
			RecentViolations: r.RecentViolations,
		},
		MatchCount: r.MatchCount,
		Blocked:    []string(r.Blocked),
	}
	if r.Latitude.Valid && r.Longitude.Valid {
		p.Profile.Location = &participant.Location{Lat: r.Latitude.Float64, Lon: r.Longitude.Float64}
	}
	if r.AccountCreatedAt.Valid {
		p.AccountCreatedAt = r.AccountCreatedAt.Time
	}
	return participant.CandidateProfile{
		Participant: p,
		Preferences: participant.Preferences{
			Mode:          participant.NormalizeMode(r.Mode),
			AgeMin:        r.PrefAgeMin,
			AgeMax:        r.PrefAgeMax,
			Genders:       []string(r.PrefGenders),
			MaxDistanceKm: r.PrefMaxDistance,
			Interests:     participant.NormalizeTags(r.PrefInterests),
		},
	}
}

// Store queries the participant_directory table.
type Store struct {
	db       *sqlx.DB
	staleAge time.Duration
}

// NewStore creates a Store. Entries not seen within staleAge are ignored.
func NewStore(db *sqlx.DB, staleAge time.Duration) *Store {
	return &Store{db: db, staleAge: staleAge}
}

// FindEligibleCandidates returns up to limit online, available participants
// in mode other than p, most recently seen first. Preference and veto
// filtering is left to the scoring engine.
func (s *Store) FindEligibleCandidates(ctx context.Context, p participant.Participant, mode string, limit int) ([]participant.CandidateProfile, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT participant_id, display_name, age, gender, interests, latitude, longitude,
		       rating_average, rating_count, recent_violations, account_created_at, match_count,
		       blocked, mode, pref_age_min, pref_age_max, pref_genders, pref_max_distance, pref_interests
		FROM participant_directory
		WHERE online AND available
		  AND mode = $1
		  AND participant_id <> $2
		  AND last_seen_at > $3
		ORDER BY last_seen_at DESC
		LIMIT $4
	`, participant.NormalizeMode(mode), p.ID, time.Now().Add(-s.staleAge), limit)
	if err != nil {
		return nil, fmt.Errorf("directory: find candidates: %w", err)
	}

	out := make([]participant.CandidateProfile, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.candidate())
	}
	return out, nil
}
