// Package participant defines the profile and preference snapshot that the
// matching core holds for a participant while it is queued or paired. The
// core never owns participant identity; these are plain values handed in by
// the transport layer or the external directory.
package participant

import (
	"slices"
	"strings"
	"time"
)

// Matching modes.
const (
	ModeRandom = "random"
	ModeCasual = "casual"
	ModeDate   = "date"
)

// GenderAny disables gender filtering when present in Preferences.Genders.
const GenderAny = "any"

// Location is a geographic coordinate in decimal degrees.
type Location struct {
	Lat float64 `json:"lat" db:"latitude"`
	Lon float64 `json:"lon" db:"longitude"`
}

// Profile holds the optional, self-reported attributes used for scoring.
type Profile struct {
	Age       int       `json:"age,omitempty"`    // 0 = unknown
	Gender    string    `json:"gender,omitempty"` // "" = unknown
	Interests []string  `json:"interests,omitempty"`
	Location  *Location `json:"location,omitempty"`
}

// Reputation summarizes how a participant has been rated and reported.
type Reputation struct {
	RatingAverage    float64 `json:"rating_average"`
	RatingCount      int     `json:"rating_count"`
	RecentViolations int     `json:"recent_violations"`
}

// Participant is an actor eligible for pairing.
type Participant struct {
	ID               string
	DisplayName      string
	Profile          Profile
	Reputation       Reputation
	AccountCreatedAt time.Time
	MatchCount       int
	Blocked          []string
}

// Preferences is the filter and mode snapshot captured at join time.
type Preferences struct {
	Mode          string   `json:"mode"`
	AgeMin        int      `json:"age_min,omitempty"` // 0 = unbounded
	AgeMax        int      `json:"age_max,omitempty"` // 0 = unbounded
	Genders       []string `json:"genders,omitempty"`
	MaxDistanceKm float64  `json:"max_distance_km,omitempty"`
	Interests     []string `json:"interests,omitempty"`
}

// CandidateProfile is a directory result: an online participant that is not
// queued on this instance, together with its stored preferences.
type CandidateProfile struct {
	Participant Participant
	Preferences Preferences
}

// Completeness returns the fraction of optional profile fields filled in,
// in [0, 1].
func (p Participant) Completeness() float64 {
	filled := 0
	if strings.TrimSpace(p.DisplayName) != "" {
		filled++
	}
	if p.Profile.Age > 0 {
		filled++
	}
	if p.Profile.Gender != "" {
		filled++
	}
	if len(p.Profile.Interests) > 0 {
		filled++
	}
	if p.Profile.Location != nil {
		filled++
	}
	return float64(filled) / 5
}

// HasBlocked reports whether p has blocked the participant with the given id.
func (p Participant) HasBlocked(id string) bool {
	return slices.Contains(p.Blocked, id)
}

// AccountAge returns how long the account has existed at now. Unknown
// creation time yields zero.
func (p Participant) AccountAge(now time.Time) time.Duration {
	if p.AccountCreatedAt.IsZero() || now.Before(p.AccountCreatedAt) {
		return 0
	}
	return now.Sub(p.AccountCreatedAt)
}

// AcceptsGender reports whether the gender filter admits gender. An empty
// filter, or one containing "any", admits everyone; unknown gender never
// satisfies a concrete filter.
func (pr Preferences) AcceptsGender(gender string) bool {
	if len(pr.Genders) == 0 {
		return true
	}
	for _, g := range pr.Genders {
		g = strings.ToLower(strings.TrimSpace(g))
		if g == GenderAny {
			return true
		}
		if gender != "" && g == strings.ToLower(gender) {
			return true
		}
	}
	return false
}

// AcceptsAge reports whether the age range admits age. Unknown age (0) is
// admitted so that missing data stays neutral.
func (pr Preferences) AcceptsAge(age int) bool {
	if age <= 0 {
		return true
	}
	if pr.AgeMin > 0 && age < pr.AgeMin {
		return false
	}
	if pr.AgeMax > 0 && age > pr.AgeMax {
		return false
	}
	return true
}

// NormalizeTags lower-cases, trims and de-duplicates tags, dropping empties.
// The result is sorted.
func NormalizeTags(tags ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, set := range tags {
		for _, t := range set {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// NormalizeMode maps an empty or unknown mode to ModeRandom.
func NormalizeMode(mode string) string {
	switch m := strings.ToLower(strings.TrimSpace(mode)); m {
	case ModeRandom, ModeCasual, ModeDate:
		return m
	default:
		return ModeRandom
	}
}
