// Package matching pairs waiting participants. The Service scores queued
// (and, when the queue is thin, directory) candidates for a requester and
// confirms the best compatible pair atomically; the Sweeper evicts stale
// entries and re-attempts long waiters on a schedule.
package matching

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-chat/internal/channel"
	"github.com/whisper/video-chat/internal/metrics"
	"github.com/whisper/video-chat/internal/participant"
	"github.com/whisper/video-chat/internal/protocol"
	"github.com/whisper/video-chat/internal/queue"
	"github.com/whisper/video-chat/internal/scoring"
	"github.com/whisper/video-chat/internal/session"
)

// ErrAlreadyPaired is returned by Join when the participant is in an active
// session.
var ErrAlreadyPaired = session.ErrAlreadyPaired

// ErrMatchInProgress is returned by Join when a confirmation involving the
// participant did not finish within claimWait.
var ErrMatchInProgress = errors.New("matching: confirmation in progress")

const (
	// claimWait bounds how long a queue mutation waits for a confirmation
	// that holds the participant's claim.
	claimWait = 500 * time.Millisecond
	claimPoll = 2 * time.Millisecond
)

// Config tunes matching and the background sweeps.
type Config struct {
	CandidateThreshold int           // below this many queued candidates, consult the directory
	DirectoryLimit     int           // max directory candidates per attempt
	DirectoryTimeout   time.Duration // bound on a directory lookup
	MaxWait            time.Duration // queue entries older than this are evicted
	EvictInterval      time.Duration
	AgingInterval      time.Duration
	AgingThreshold     time.Duration // waits longer than this earn a boost
	AgingRate          float64       // boost per minute past the threshold
	AgingCap           float64
	ReattemptTopN      int
}

// DefaultConfig returns the standard matching configuration.
func DefaultConfig() Config {
	return Config{
		CandidateThreshold: 3,
		DirectoryLimit:     10,
		DirectoryTimeout:   2 * time.Second,
		MaxWait:            5 * time.Minute,
		EvictInterval:      60 * time.Second,
		AgingInterval:      30 * time.Second,
		AgingThreshold:     2 * time.Minute,
		AgingRate:          5,
		AgingCap:           50,
		ReattemptTopN:      10,
	}
}

// Directory finds online participants that are not queued on this instance.
type Directory interface {
	FindEligibleCandidates(ctx context.Context, p participant.Participant, mode string, limit int) ([]participant.CandidateProfile, error)
}

// ChannelResolver returns the live channel of a connected participant.
type ChannelResolver interface {
	Resolve(participantID string) (channel.Channel, bool)
}

// ResolverFunc adapts a function to ChannelResolver.
type ResolverFunc func(participantID string) (channel.Channel, bool)

func (f ResolverFunc) Resolve(participantID string) (channel.Channel, bool) { return f(participantID) }

// SessionEnder ends a participant's active session. *relay.Relay implements it.
type SessionEnder interface {
	Leave(ctx context.Context, participantID, reason string) bool
}

// JoinRequest is a participant entering the queue.
type JoinRequest struct {
	Participant participant.Participant
	Preferences participant.Preferences
	Channel     channel.Channel
}

// Result is the outcome of a join or matching attempt.
type Result struct {
	Matched   bool
	SessionID string
	PartnerID string
	Position  int
	Priority  float64
}

// Option configures a Service.
type Option func(*Service)

// WithDirectory enables directory augmentation. Directory candidates are
// only considered when resolver returns a live channel for them.
func WithDirectory(dir Directory, resolver ChannelResolver) Option {
	return func(s *Service) {
		s.directory = dir
		s.resolver = resolver
	}
}

// WithClaimer replaces the default in-memory claimer.
func WithClaimer(c Claimer) Option {
	return func(s *Service) { s.claimer = c }
}

// Service is the matching engine.
type Service struct {
	queue     *queue.Store
	registry  *session.Registry
	scorer    *scoring.Engine
	ender     SessionEnder
	directory Directory
	resolver  ChannelResolver
	claimer   Claimer
	cfg       Config
	logger    zerolog.Logger
}

// NewService creates a matching Service.
func NewService(q *queue.Store, registry *session.Registry, scorer *scoring.Engine, ender SessionEnder, cfg Config, opts ...Option) *Service {
	s := &Service{
		queue:    q,
		registry: registry,
		scorer:   scorer,
		ender:    ender,
		claimer:  NewMemoryClaimer(),
		cfg:      cfg,
		logger:   log.With().Str("component", "matcher").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue returns the underlying queue store.
func (s *Service) Queue() *queue.Store { return s.queue }

// Join enqueues the participant, replacing any previous entry, and attempts
// an immediate match. The participant receives either match-found or
// queue-joined.
func (s *Service) Join(ctx context.Context, req JoinRequest) (Result, error) {
	id := req.Participant.ID

	// The paired check and the enqueue run under id's claim, so a
	// confirmation that has already taken id's old entry finishes first.
	release, err := s.hold(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if s.registry.IsPaired(id) {
		release()
		return Result{}, ErrAlreadyPaired
	}
	req.Preferences.Mode = participant.NormalizeMode(req.Preferences.Mode)
	entry, replaced := s.queue.Enqueue(queue.Entry{
		Participant: req.Participant,
		Preferences: req.Preferences,
		Channel:     req.Channel,
	})
	release()

	s.observeQueue()
	s.logger.Debug().Str("participant", id).Str("mode", entry.Mode()).
		Float64("priority", entry.Priority()).Bool("replaced", replaced).
		Bool("synthetic", entry.Synthetic()).Msg("joined queue")

	res := s.Attempt(ctx, id)
	if res.Matched {
		return res, nil
	}
	if !s.queue.Contains(id) {
		// Unreachable during confirmation and dropped.
		return res, nil
	}

	pos, _ := s.queue.Position(id)
	res.Position = pos
	res.Priority = entry.Priority()
	if err := req.Channel.Send(protocol.TypeQueueJoined, protocol.QueueJoinedMsg{
		Position: pos,
		Priority: entry.Priority(),
	}); err != nil {
		s.logger.Debug().Err(err).Str("participant", id).Msg("queue-joined not delivered")
	}
	return res, nil
}

// Leave removes the participant from the queue. It is idempotent and
// reports whether an entry was removed.
func (s *Service) Leave(ctx context.Context, id string) bool {
	if release, err := s.hold(ctx, id); err == nil {
		defer release()
	}
	_, ok := s.queue.Remove(id)
	if ok {
		s.observeQueue()
		s.logger.Debug().Str("participant", id).Msg("left queue")
	}
	return ok
}

// Disconnect removes every trace of a participant whose transport is gone:
// its queue entry and its active session. The session is ended after Leave
// has released the claim, so a confirmation racing the disconnect has
// either opened its session by then or restored the entry Leave removed.
func (s *Service) Disconnect(ctx context.Context, id string) {
	s.Leave(ctx, id)
	if s.ender != nil {
		s.ender.Leave(ctx, id, session.ReasonPartnerLeft)
	}
}

// hold claims id for a queue mutation, polling while a confirmation holds
// it. A failing claim backend is logged and the mutation proceeds
// unclaimed, matching how confirm degrades to no match at all.
func (s *Service) hold(ctx context.Context, id string) (func(), error) {
	token := uuid.New().String()
	deadline := time.NewTimer(claimWait)
	defer deadline.Stop()
	tick := time.NewTicker(claimPoll)
	defer tick.Stop()

	for {
		ok, err := s.claimer.Claim(ctx, token, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("participant", id).Msg("claim failed, continuing unclaimed")
			return func() {}, nil
		}
		if ok {
			return func() { s.claimer.Release(context.WithoutCancel(ctx), token, id) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrMatchInProgress
		case <-tick.C:
		}
	}
}

type candidate struct {
	entry     queue.Entry
	fromQueue bool
	result    scoring.Result
}

// Attempt tries to pair the queued participant id with its best compatible
// candidate. Contention is never an error: on any conflict the next
// candidate is tried, and a requester left unmatched stays queued.
func (s *Service) Attempt(ctx context.Context, id string) Result {
	req, ok := s.queue.Get(id)
	if !ok {
		return Result{}
	}

	cands := s.gather(ctx, req)
	if len(cands) == 0 {
		s.queue.IncrementAttempts(id)
		return Result{}
	}

	for _, c := range cands {
		res, requesterGone := s.confirm(ctx, req, c)
		if res.Matched || requesterGone {
			return res
		}
	}

	s.queue.IncrementAttempts(id)
	return Result{}
}

// gather returns the scored, non-vetoed candidates for req, best first.
func (s *Service) gather(ctx context.Context, req queue.Entry) []candidate {
	now := s.queue.Now()
	mode := req.Mode()

	pool := s.queue.Candidates(mode, func(e queue.Entry) bool {
		if e.ID() == req.ID() {
			return true
		}
		if req.Synthetic() && e.Synthetic() {
			return true
		}
		return false
	})

	cands := make([]candidate, 0, len(pool))
	for _, e := range pool {
		if s.registry.IsPaired(e.ID()) {
			continue
		}
		cands = append(cands, candidate{entry: e, fromQueue: true})
	}

	if len(cands) < s.cfg.CandidateThreshold && s.directory != nil && !req.Synthetic() {
		cands = append(cands, s.fromDirectory(ctx, req, mode)...)
	}

	self := scoring.Candidate{
		Participant: req.Participant,
		Preferences: req.Preferences,
		Waited:      req.Waited(now),
	}
	scored := cands[:0]
	for _, c := range cands {
		c.result = s.scorer.Score(self, scoring.Candidate{
			Participant: c.entry.Participant,
			Preferences: c.entry.Preferences,
			Waited:      c.entry.Waited(now),
		})
		if c.result.Vetoed {
			continue
		}
		scored = append(scored, c)
	}

	slices.SortStableFunc(scored, func(a, b candidate) int {
		if c := cmp.Compare(b.result.Value, a.result.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.entry.Seq, b.entry.Seq)
	})
	return scored
}

func (s *Service) fromDirectory(ctx context.Context, req queue.Entry, mode string) []candidate {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DirectoryTimeout)
	defer cancel()

	found, err := s.directory.FindEligibleCandidates(dctx, req.Participant, mode, s.cfg.DirectoryLimit)
	if err != nil {
		metrics.DirectoryErrors.Inc()
		s.logger.Warn().Err(err).Str("participant", req.ID()).Msg("directory lookup failed, using queue only")
		return nil
	}

	// Directory candidates sort after queued ones on equal score.
	const directorySeq = ^uint64(0)

	out := make([]candidate, 0, len(found))
	for _, cp := range found {
		id := cp.Participant.ID
		if id == req.ID() || s.queue.Contains(id) || s.registry.IsPaired(id) {
			continue
		}
		ch, ok := s.resolver.Resolve(id)
		if !ok || ch.Synthetic() {
			continue
		}
		cp.Preferences.Mode = participant.NormalizeMode(cp.Preferences.Mode)
		out = append(out, candidate{
			entry: queue.Entry{
				Participant: cp.Participant,
				Preferences: cp.Preferences,
				Channel:     ch,
				JoinedAt:    s.queue.Now(),
				Seq:         directorySeq,
			},
		})
	}
	return out
}

// confirm atomically turns req and c into a session. On any failure the
// entries that were taken are restored with their original wait time. The
// second return value reports that req itself turned out to be unreachable.
func (s *Service) confirm(ctx context.Context, req queue.Entry, c candidate) (Result, bool) {
	partnerID := c.entry.ID()
	token := uuid.New().String()

	ok, err := s.claimer.Claim(ctx, token, req.ID(), partnerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("participant", req.ID()).Msg("claim failed")
		return Result{}, false
	}
	if !ok {
		metrics.ClaimConflicts.Inc()
		s.logger.Debug().Str("participant", req.ID()).Str("candidate", partnerID).Msg("claim conflict")
		return Result{}, false
	}
	defer s.claimer.Release(ctx, token, req.ID(), partnerID)

	// Take both entries. A directory candidate that has since joined the
	// queue is taken from there.
	var taken []queue.Entry
	if c.fromQueue || s.queue.Contains(partnerID) {
		a, b, ok := s.queue.TakePair(req.ID(), partnerID)
		if !ok {
			return Result{}, false
		}
		req, c.entry = a, b
		taken = []queue.Entry{a, b}
	} else {
		a, ok := s.queue.Take(req.ID())
		if !ok {
			return Result{}, false
		}
		req = a
		taken = []queue.Entry{a}
	}

	initiator, responder := req, c.entry
	if req.Synthetic() && !c.entry.Synthetic() {
		initiator, responder = c.entry, req
	}

	sess, err := s.registry.Open(initiator.Channel, responder.Channel, session.Meta{
		Mode:            req.Mode(),
		Score:           c.result.Value,
		SharedInterests: c.result.SharedInterests,
	})
	if err != nil {
		s.queue.Restore(taken...)
		s.logger.Debug().Err(err).Str("participant", req.ID()).Str("candidate", partnerID).Msg("open session failed")
		return Result{}, false
	}

	// Responder first, so the initiator never offers to a partner that has
	// not been told about the session.
	if err := responder.Channel.Send(protocol.TypeMatchFound, matchFound(sess.ID, initiator, false, c.result)); err != nil {
		s.registry.End(sess.ID, session.ReasonConnectionFailed)
		s.restoreExcept(taken, responder.ID())
		s.logger.Info().Str("participant", responder.ID()).Msg("responder unreachable during confirmation")
		s.observeQueue()
		return Result{}, responder.ID() == req.ID()
	}
	if err := initiator.Channel.Send(protocol.TypeMatchFound, matchFound(sess.ID, responder, true, c.result)); err != nil {
		s.registry.End(sess.ID, session.ReasonConnectionFailed)
		_ = responder.Channel.Send(protocol.TypePeerDisconnected, protocol.PeerDisconnectedMsg{
			SessionID: sess.ID,
			Reason:    session.ReasonConnectionFailed,
		})
		s.restoreExcept(taken, initiator.ID())
		s.logger.Info().Str("participant", initiator.ID()).Msg("initiator unreachable during confirmation")
		s.observeQueue()
		return Result{}, initiator.ID() == req.ID()
	}

	s.recordMatch(sess, initiator, responder)
	return Result{Matched: true, SessionID: sess.ID, PartnerID: partnerID}, false
}

func (s *Service) restoreExcept(taken []queue.Entry, drop string) {
	keep := make([]queue.Entry, 0, len(taken))
	for _, e := range taken {
		if e.ID() != drop {
			keep = append(keep, e)
		}
	}
	s.queue.Restore(keep...)
}

func (s *Service) recordMatch(sess *session.Session, initiator, responder queue.Entry) {
	now := s.queue.Now()
	kind := "real"
	if sess.Synthetic() {
		kind = "filler"
	}
	metrics.MatchesTotal.WithLabelValues(kind).Inc()
	for _, e := range []queue.Entry{initiator, responder} {
		if !e.Synthetic() {
			metrics.MatchWait.Observe(e.Waited(now).Seconds())
		}
	}
	metrics.ActiveSessions.Set(float64(s.registry.Count()))
	s.observeQueue()

	s.logger.Info().Str("session", sess.ID).
		Str("initiator", initiator.ID()).Str("responder", responder.ID()).
		Float64("score", sess.Meta.Score).Str("kind", kind).Msg("match confirmed")
}

func (s *Service) observeQueue() {
	metrics.MatchQueueSize.Set(float64(s.queue.Len()))
}

func matchFound(sessionID string, partner queue.Entry, initiator bool, r scoring.Result) protocol.MatchFoundMsg {
	shared := r.SharedInterests
	if shared == nil {
		shared = []string{}
	}
	return protocol.MatchFoundMsg{
		SessionID: sessionID,
		Partner: protocol.PartnerSummary{
			ID:          partner.ID(),
			DisplayName: partner.Participant.DisplayName,
		},
		IsInitiator:     initiator,
		SharedInterests: shared,
	}
}
