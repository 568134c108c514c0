// Package scoring computes a bounded compatibility score for a pair of
// waiting participants. The score is pure apart from a small random jitter
// that breaks ties between otherwise identical pairs.
package scoring

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/whisper/video-chat/internal/participant"
)

// Veto reasons.
const (
	VetoSelf    = "self"
	VetoAge     = "age_range"
	VetoGender  = "gender_filter"
	VetoBlocked = "blocked"
)

const (
	earthRadiusKm = 6371.0

	// emptyInterestFloor is the interest component when either side has no
	// tags at all.
	emptyInterestFloor = 0.3

	ageSpanYears       = 20.0
	unknownAgeScore    = 0.5
	matureAccountAge   = 7 * 24 * time.Hour
	ratingMidpoint     = 3.0
	ratingSpan         = 4.0
	unratedRatingScore = 0.5

	MaxScore = 100.0
)

// Weights are the maximum contribution of each component to the score.
type Weights struct {
	Interests  float64
	Proximity  float64
	Age        float64
	Reputation float64
	Wait       float64
	Jitter     float64
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{
		Interests:  40,
		Proximity:  20,
		Age:        15,
		Reputation: 15,
		Wait:       10,
		Jitter:     5,
	}
}

// Config tunes the Engine.
type Config struct {
	Weights              Weights
	DefaultMaxDistanceKm float64
	WaitCreditCap        time.Duration
}

// DefaultConfig returns the standard scoring configuration.
func DefaultConfig() Config {
	return Config{
		Weights:              DefaultWeights(),
		DefaultMaxDistanceKm: 100,
		WaitCreditCap:        5 * time.Minute,
	}
}

// Candidate is one side of a scored pair.
type Candidate struct {
	Participant participant.Participant
	Preferences participant.Preferences
	Waited      time.Duration
}

// Result is the outcome of scoring a pair.
type Result struct {
	Value           float64
	Vetoed          bool
	VetoReason      string
	SharedInterests []string
}

// JitterFunc returns a value in [0, 1).
type JitterFunc func() float64

// Option configures an Engine.
type Option func(*Engine)

// WithJitter overrides the jitter source.
func WithJitter(fn JitterFunc) Option {
	return func(e *Engine) { e.jitter = fn }
}

// WithClock overrides the clock used for account age.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine scores candidate pairs.
type Engine struct {
	cfg    Config
	jitter JitterFunc
	now    func() time.Time
}

// NewEngine returns an Engine with the given configuration.
func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.DefaultMaxDistanceKm <= 0 {
		cfg.DefaultMaxDistanceKm = DefaultConfig().DefaultMaxDistanceKm
	}
	if cfg.WaitCreditCap <= 0 {
		cfg.WaitCreditCap = DefaultConfig().WaitCreditCap
	}
	e := &Engine{
		cfg:    cfg,
		jitter: rand.Float64,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score returns the compatibility of a and b. Vetoed pairs have value 0.
func (e *Engine) Score(a, b Candidate) Result {
	if reason, vetoed := veto(a, b); vetoed {
		return Result{Vetoed: true, VetoReason: reason}
	}

	w := e.cfg.Weights
	interests, shared := interestScore(a, b)

	value := w.Interests*interests +
		w.Proximity*e.proximityScore(a, b) +
		w.Age*ageScore(a.Participant.Profile.Age, b.Participant.Profile.Age) +
		w.Reputation*(e.reputationScore(a.Participant)+e.reputationScore(b.Participant))/2 +
		w.Wait*e.waitScore(a.Waited, b.Waited) +
		w.Jitter*e.jitter()

	return Result{
		Value:           clamp(value, 0, MaxScore),
		SharedInterests: shared,
	}
}

func veto(a, b Candidate) (string, bool) {
	pa, pb := a.Participant, b.Participant
	switch {
	case pa.ID == pb.ID:
		return VetoSelf, true
	case pa.HasBlocked(pb.ID) || pb.HasBlocked(pa.ID):
		return VetoBlocked, true
	case !a.Preferences.AcceptsAge(pb.Profile.Age) || !b.Preferences.AcceptsAge(pa.Profile.Age):
		return VetoAge, true
	case !a.Preferences.AcceptsGender(pb.Profile.Gender) || !b.Preferences.AcceptsGender(pa.Profile.Gender):
		return VetoGender, true
	}
	return "", false
}

// interestScore is the Jaccard index of both sides' tag sets.
func interestScore(a, b Candidate) (float64, []string) {
	ta := participant.NormalizeTags(a.Participant.Profile.Interests, a.Preferences.Interests)
	tb := participant.NormalizeTags(b.Participant.Profile.Interests, b.Preferences.Interests)
	if len(ta) == 0 || len(tb) == 0 {
		return emptyInterestFloor, []string{}
	}

	inB := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		inB[t] = struct{}{}
	}
	shared := make([]string, 0)
	for _, t := range ta {
		if _, ok := inB[t]; ok {
			shared = append(shared, t)
		}
	}
	union := len(ta) + len(tb) - len(shared)
	return float64(len(shared)) / float64(union), shared
}

func (e *Engine) proximityScore(a, b Candidate) float64 {
	la, lb := a.Participant.Profile.Location, b.Participant.Profile.Location
	if la == nil || lb == nil {
		return 0
	}
	maxKm := math.Max(a.Preferences.MaxDistanceKm, b.Preferences.MaxDistanceKm)
	if maxKm <= 0 {
		maxKm = e.cfg.DefaultMaxDistanceKm
	}
	return clamp(1-Haversine(*la, *lb)/maxKm, 0, 1)
}

func ageScore(a, b int) float64 {
	if a <= 0 || b <= 0 {
		return unknownAgeScore
	}
	diff := math.Abs(float64(a - b))
	return clamp(1-diff/ageSpanYears, 0, 1)
}

func (e *Engine) reputationScore(p participant.Participant) float64 {
	rating := unratedRatingScore
	if p.Reputation.RatingCount > 0 {
		rating = clamp(0.5+(p.Reputation.RatingAverage-ratingMidpoint)/ratingSpan, 0, 1)
	}
	mature := 0.0
	if p.AccountAge(e.now()) > matureAccountAge {
		mature = 1
	}
	return 0.4*p.Completeness() + 0.4*rating + 0.2*mature
}

func (e *Engine) waitScore(a, b time.Duration) float64 {
	mean := (a + b) / 2
	return clamp(float64(mean)/float64(e.cfg.WaitCreditCap), 0, 1)
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b participant.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
