package queue

import (
	"math"
	"time"

	"github.com/whisper/video-chat/internal/channel"
	"github.com/whisper/video-chat/internal/participant"
)

// Entry is a participant waiting to be matched.
type Entry struct {
	Participant  participant.Participant
	Preferences  participant.Preferences
	Channel      channel.Channel
	JoinedAt     time.Time
	BasePriority float64
	Boost        float64 // aging boost, recomputed by BoostWaiting
	Attempts     int
	Seq          uint64 // insertion order, breaks priority ties
}

// ID returns the participant id.
func (e Entry) ID() string { return e.Participant.ID }

// Priority is the effective priority used for ordering.
func (e Entry) Priority() float64 { return e.BasePriority + e.Boost }

// Synthetic reports whether the entry belongs to a queue filler.
func (e Entry) Synthetic() bool { return e.Channel != nil && e.Channel.Synthetic() }

// Mode returns the normalized matching mode.
func (e Entry) Mode() string { return participant.NormalizeMode(e.Preferences.Mode) }

// Waited returns how long the entry has been queued at now.
func (e Entry) Waited(now time.Time) time.Duration {
	if now.Before(e.JoinedAt) {
		return 0
	}
	return now.Sub(e.JoinedAt)
}

// PriorityPolicy computes the initial priority of a participant.
type PriorityPolicy struct {
	Base              float64
	NewUserBoost      float64
	NewUserMatches    int // accounts with fewer matches get NewUserBoost
	ReputationBoost   float64
	ReportPenalty     float64 // per recent violation
	CompletenessBoost float64
}

// DefaultPriorityPolicy returns the standard policy.
func DefaultPriorityPolicy() PriorityPolicy {
	return PriorityPolicy{
		Base:              100,
		NewUserBoost:      20,
		NewUserMatches:    5,
		ReputationBoost:   15,
		ReportPenalty:     10,
		CompletenessBoost: 10,
	}
}

const minRatingsForBoost = 3

// Initial returns the priority for p at join time, floored at zero.
func (pp PriorityPolicy) Initial(p participant.Participant) float64 {
	prio := pp.Base
	if p.MatchCount < pp.NewUserMatches {
		prio += pp.NewUserBoost
	}
	if p.Reputation.RatingCount >= minRatingsForBoost {
		above := (p.Reputation.RatingAverage - 3) / 2
		prio += pp.ReputationBoost * math.Max(0, math.Min(1, above))
	}
	prio -= pp.ReportPenalty * float64(p.Reputation.RecentViolations)
	prio += pp.CompletenessBoost * p.Completeness()
	return math.Max(0, prio)
}
