// Package relay forwards the offer/answer/candidate handshake between the two
// sides of a session and owns session teardown: grace-window recovery, close
// notifications and outcome reporting.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-chat/internal/channel"
	"github.com/whisper/video-chat/internal/messaging"
	"github.com/whisper/video-chat/internal/metrics"
	"github.com/whisper/video-chat/internal/protocol"
	"github.com/whisper/video-chat/internal/session"
)

// ErrUnreachable is returned when the target side could not be reached. The
// session has been closed by the time it is returned.
var ErrUnreachable = channel.ErrUnreachable

const statsTimeout = 5 * time.Second

// StatsSink receives the outcome of every closed session between real
// participants. *messaging.OutcomePublisher implements it.
type StatsSink interface {
	RecordMatchOutcome(ctx context.Context, o messaging.MatchOutcome) error
}

// Config tunes the Relay.
type Config struct {
	GraceWindow time.Duration
}

// DefaultConfig returns the standard relay configuration.
func DefaultConfig() Config {
	return Config{GraceWindow: 5 * time.Second}
}

// Relay forwards signaling payloads between session participants.
type Relay struct {
	registry *session.Registry
	sink     StatsSink
	cfg      Config
	logger   zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // session id -> pending recovery timer
	stats  sync.WaitGroup
}

// New creates a Relay over the given registry. sink may be nil.
func New(registry *session.Registry, sink StatsSink, cfg Config) *Relay {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	return &Relay{
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		logger:   log.With().Str("component", "relay").Logger(),
		timers:   make(map[string]*time.Timer),
	}
}

// Offer relays an SDP offer from the initiator.
func (r *Relay) Offer(ctx context.Context, from, sessionID, sdp string) error {
	return r.forward(ctx, from, sessionID, session.KindOffer, protocol.TypeOffer,
		protocol.SDPMsg{SessionID: sessionID, SDP: sdp})
}

// Answer relays an SDP answer from the responder.
func (r *Relay) Answer(ctx context.Context, from, sessionID, sdp string) error {
	return r.forward(ctx, from, sessionID, session.KindAnswer, protocol.TypeAnswer,
		protocol.SDPMsg{SessionID: sessionID, SDP: sdp})
}

// Candidate relays a trickled network candidate in either direction.
func (r *Relay) Candidate(ctx context.Context, from, sessionID string, c protocol.ICECandidate) error {
	return r.forward(ctx, from, sessionID, session.KindCandidate, protocol.TypeCandidate,
		protocol.CandidateMsg{SessionID: sessionID, Candidate: c})
}

func (r *Relay) forward(ctx context.Context, from, sessionID string, kind session.Kind, msgType string, payload any) error {
	s, err := r.registry.Get(sessionID)
	if err != nil {
		metrics.RelayMessagesTotal.WithLabelValues(kind.String(), "rejected").Inc()
		r.logger.Debug().Str("session", sessionID).Str("participant", from).
			Str("kind", kind.String()).Msg("dropping message for unknown session")
		return err
	}

	var target string
	err = s.Forward(from, kind, func(to channel.Channel) error {
		target = to.ParticipantID()
		return to.Send(msgType, payload)
	})
	switch {
	case err == nil:
		metrics.RelayMessagesTotal.WithLabelValues(kind.String(), "forwarded").Inc()
		return nil
	case errors.Is(err, channel.ErrUnreachable):
		metrics.RelayMessagesTotal.WithLabelValues(kind.String(), "failed").Inc()
		r.logger.Info().Str("session", sessionID).Str("participant", target).
			Msg("peer unreachable, closing session")
		r.End(ctx, sessionID, target, session.ReasonConnectionFailed)
		return ErrUnreachable
	default:
		metrics.RelayMessagesTotal.WithLabelValues(kind.String(), "rejected").Inc()
		r.logger.Debug().Err(err).Str("session", sessionID).Str("participant", from).
			Str("kind", kind.String()).Str("state", s.State().String()).Msg("message rejected")
		return err
	}
}

// ReportHealth applies a client connection-state report. A failure starts
// the grace window; if both sides have not reported healthy again when it
// elapses, the session is closed. A restart offer alone does not stop the
// window.
func (r *Relay) ReportHealth(ctx context.Context, from, sessionID, status string) error {
	var h session.Health
	switch {
	case protocol.IsHealthy(status):
		h = session.Healthy
	case protocol.IsFailure(status):
		h = session.Failing
	default:
		return nil
	}

	s, err := r.registry.Get(sessionID)
	if err != nil {
		r.logger.Debug().Str("session", sessionID).Msg("health report for unknown session")
		return err
	}
	res, err := s.ReportHealth(from, h)
	if err != nil {
		return err
	}
	if res.Recovering {
		r.logger.Info().Str("session", sessionID).Str("participant", from).
			Str("status", status).Dur("grace", r.cfg.GraceWindow).Msg("session recovering")
		r.armRecovery(s, res.Generation)
	}
	return nil
}

func (r *Relay) armRecovery(s *session.Session, gen uint64) {
	t := time.AfterFunc(r.cfg.GraceWindow, func() {
		if !s.ExpireRecovery(gen) {
			return
		}
		r.logger.Info().Str("session", s.ID).Msg("recovery window elapsed")
		r.End(context.Background(), s.ID, "", session.ReasonConnectionFailed)
	})

	r.mu.Lock()
	if prev, ok := r.timers[s.ID]; ok {
		prev.Stop()
	}
	r.timers[s.ID] = t
	r.mu.Unlock()
}

func (r *Relay) disarm(sessionID string) {
	r.mu.Lock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
	r.mu.Unlock()
}

// Leave ends the active session of participantID, if any. It returns false
// when the participant was not paired.
func (r *Relay) Leave(ctx context.Context, participantID, reason string) bool {
	s, ok := r.registry.ForParticipant(participantID)
	if !ok {
		return false
	}
	return r.End(ctx, s.ID, participantID, reason)
}

// End closes the session. leaver is the participant that caused the close,
// or empty when neither side did. Only the first caller for a session sends
// notifications: peer-disconnected to every side other than the leaver,
// then session-ended to the leaver.
func (r *Relay) End(ctx context.Context, sessionID, leaver, reason string) bool {
	if leaver != "" {
		s, err := r.registry.Get(sessionID)
		if err != nil || !s.Has(leaver) {
			return false
		}
	}

	s, won := r.registry.End(sessionID, reason)
	if !won {
		return false
	}
	r.disarm(sessionID)

	// Notifications queue behind signaling already being written to the
	// same side, so nothing relayed arrives after peer-disconnected.
	for _, ch := range []channel.Channel{s.Initiator, s.Responder} {
		id := ch.ParticipantID()
		if id == leaver {
			continue
		}
		err := s.Deliver(id, func(ch channel.Channel) error {
			return ch.Send(protocol.TypePeerDisconnected, protocol.PeerDisconnectedMsg{
				SessionID: s.ID,
				Reason:    reason,
			})
		})
		if err != nil {
			r.logger.Debug().Err(err).Str("session", s.ID).
				Str("participant", id).Msg("peer-disconnected not delivered")
		}
	}

	now := r.registry.Now()
	duration := s.Duration(now)
	if leaver != "" {
		_ = s.Deliver(leaver, func(ch channel.Channel) error {
			return ch.Send(protocol.TypeSessionEnded, protocol.SessionEndedMsg{
				SessionID: s.ID,
				Duration:  int(duration.Seconds()),
				Reason:    reason,
			})
		})
	}

	metrics.ActiveSessions.Set(float64(r.registry.Count()))
	metrics.SessionDuration.Observe(duration.Seconds())
	r.logger.Info().Str("session", s.ID).Str("reason", reason).Str("leaver", leaver).
		Dur("duration", duration).Msg("session closed")

	if r.sink != nil && !s.Synthetic() {
		r.recordOutcome(s, leaver, reason, now, duration)
	}
	return true
}

func (r *Relay) recordOutcome(s *session.Session, leaver, reason string, endedAt time.Time, duration time.Duration) {
	o := messaging.MatchOutcome{
		SessionID:       s.ID,
		InitiatorID:     s.Initiator.ParticipantID(),
		ResponderID:     s.Responder.ParticipantID(),
		Mode:            s.Meta.Mode,
		Score:           s.Meta.Score,
		SharedInterests: s.Meta.SharedInterests,
		StartedAt:       s.CreatedAt,
		EndedAt:         endedAt,
		DurationSeconds: int(duration.Seconds()),
		Reason:          reason,
		EndedBy:         leaver,
	}

	r.stats.Add(1)
	go func() {
		defer r.stats.Done()
		ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
		defer cancel()
		if err := r.sink.RecordMatchOutcome(ctx, o); err != nil {
			r.logger.Warn().Err(err).Str("session", o.SessionID).Msg("failed to record match outcome")
		}
	}()
}

// Shutdown closes every active session and waits for pending outcome
// reports.
func (r *Relay) Shutdown(ctx context.Context) {
	for _, s := range r.registry.All() {
		r.End(ctx, s.ID, "", session.ReasonShutdown)
	}

	r.mu.Lock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.stats.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn().Msg("shutdown timed out waiting for outcome reports")
	}
}
