// Package session tracks active pairings and enforces the signaling state
// machine. A Session is created by the matching service and mutated only
// through its own methods and the Registry.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/video-chat/internal/channel"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrClosed         = errors.New("session: closed")
	ErrNotParticipant = errors.New("session: sender is not a participant")
	ErrOutOfOrder     = errors.New("session: message not allowed in current state")
	ErrAlreadyPaired  = errors.New("session: participant already paired")
)

// State is the signaling state of a session.
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateAnswerSent
	StateConnected
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOfferSent:
		return "OFFER_SENT"
	case StateAnswerSent:
		return "ANSWER_SENT"
	case StateConnected:
		return "CONNECTED"
	case StateRecovering:
		return "RECOVERING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Close reasons.
const (
	ReasonPartnerLeft      = "partner_left"
	ReasonConnectionFailed = "connection_failed"
	ReasonSkip             = "skip"
	ReasonShutdown         = "shutdown"
)

// Kind is the kind of signaling payload being forwarded.
type Kind int

const (
	KindOffer Kind = iota
	KindAnswer
	KindCandidate
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	default:
		return "candidate"
	}
}

// Health is a connection-health observation reported by one side.
type Health int

const (
	Healthy Health = iota
	Failing
)

// Meta is the matching metadata recorded on a new session.
type Meta struct {
	Mode            string
	Score           float64
	SharedInterests []string
}

// Session is one pairing between an initiator and a responder.
type Session struct {
	ID        string
	Initiator channel.Channel
	Responder channel.Channel
	CreatedAt time.Time
	Meta      Meta

	mu           sync.Mutex
	state        State
	generation   uint64 // bumped whenever a pending recovery timer must be ignored
	recovering   bool   // a failure was reported and both sides have not reconnected since
	healthy      [2]bool
	outbox       [2]sync.Mutex // per recipient side: 0 initiator, 1 responder
	closedAt     time.Time
	closedReason string
}

func newSession(id string, initiator, responder channel.Channel, meta Meta, now time.Time) *Session {
	return &Session{
		ID:        id,
		Initiator: initiator,
		Responder: responder,
		CreatedAt: now,
		Meta:      meta,
		state:     StateNew,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Has reports whether participantID is one of the two sides.
func (s *Session) Has(participantID string) bool {
	return s.side(participantID) >= 0
}

// Peer returns the channel of the side opposite participantID.
func (s *Session) Peer(participantID string) (channel.Channel, bool) {
	switch s.side(participantID) {
	case 0:
		return s.Responder, true
	case 1:
		return s.Initiator, true
	default:
		return nil, false
	}
}

// Channel returns the channel of participantID.
func (s *Session) Channel(participantID string) (channel.Channel, bool) {
	switch s.side(participantID) {
	case 0:
		return s.Initiator, true
	case 1:
		return s.Responder, true
	default:
		return nil, false
	}
}

// Synthetic reports whether either side is a filler.
func (s *Session) Synthetic() bool {
	return s.Initiator.Synthetic() || s.Responder.Synthetic()
}

// Duration returns the session's lifetime, up to now when still open.
func (s *Session) Duration(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := now
	if !s.closedAt.IsZero() {
		end = s.closedAt
	}
	if end.Before(s.CreatedAt) {
		return 0
	}
	return end.Sub(s.CreatedAt)
}

// ClosedReason returns the reason the session was closed, if it was.
func (s *Session) ClosedReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedReason
}

func (s *Session) side(participantID string) int {
	switch participantID {
	case s.Initiator.ParticipantID():
		return 0
	case s.Responder.ParticipantID():
		return 1
	default:
		return -1
	}
}

// Forward checks that from may send kind in the current state, advances
// the state and calls deliver with the peer's channel. Deliveries to one
// side are serialized by that side's outbox, so messages in one direction
// arrive in the order they were accepted, while the session lock is not
// held across the write. A failed delivery rolls the state back.
func (s *Session) Forward(from string, kind Kind, deliver func(to channel.Channel) error) error {
	side := s.side(from)
	if side < 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateClosed {
			return ErrClosed
		}
		return ErrNotParticipant
	}
	to := s.Responder
	if side == 1 {
		to = s.Initiator
	}

	out := &s.outbox[1-side]
	out.Lock()
	defer out.Unlock()

	s.mu.Lock()
	prev := s.state
	next, err := s.acceptLocked(side, kind)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	if kind == KindOffer {
		// A new offer restarts negotiation; both sides must report healthy
		// again before the session counts as connected.
		s.healthy = [2]bool{}
	}
	s.mu.Unlock()

	if err := deliver(to); err != nil {
		s.mu.Lock()
		if s.state == next && next != prev {
			s.state = prev
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// acceptLocked returns the state after side sends kind. s.mu must be held.
func (s *Session) acceptLocked(side int, kind Kind) (State, error) {
	if s.state == StateClosed {
		return s.state, ErrClosed
	}
	switch kind {
	case KindOffer:
		if side != 0 {
			return s.state, ErrOutOfOrder
		}
		switch s.state {
		case StateNew, StateRecovering, StateConnected:
			return StateOfferSent, nil
		}
		return s.state, ErrOutOfOrder
	case KindAnswer:
		if side != 1 || s.state != StateOfferSent {
			return s.state, ErrOutOfOrder
		}
		return StateAnswerSent, nil
	}
	return s.state, nil
}

// Deliver sends to participantID through its outbox, after any signaling
// already being written to it.
func (s *Session) Deliver(participantID string, send func(ch channel.Channel) error) error {
	side := s.side(participantID)
	if side < 0 {
		return ErrNotParticipant
	}
	ch := s.Initiator
	if side == 1 {
		ch = s.Responder
	}
	s.outbox[side].Lock()
	defer s.outbox[side].Unlock()
	return send(ch)
}

// HealthResult describes the effect of a health report.
type HealthResult struct {
	State State
	// Recovering is true when this report moved the session into
	// RECOVERING; the caller must arm a recovery timer for Generation.
	Recovering bool
	Generation uint64
}

// ReportHealth records a health observation from one side. Both sides
// reporting healthy moves ANSWER_SENT or RECOVERING to CONNECTED, which
// also ends a pending recovery. A failure moves OFFER_SENT, ANSWER_SENT or
// CONNECTED to RECOVERING and starts a recovery unless one is pending.
func (s *Session) ReportHealth(from string, h Health) (HealthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return HealthResult{State: s.state}, ErrClosed
	}
	side := s.side(from)
	if side < 0 {
		return HealthResult{State: s.state}, ErrNotParticipant
	}

	res := HealthResult{}
	switch h {
	case Healthy:
		s.healthy[side] = true
		if s.healthy[0] && s.healthy[1] &&
			(s.state == StateAnswerSent || s.state == StateRecovering) {
			s.state = StateConnected
			if s.recovering {
				s.recovering = false
				s.generation++
			}
		}
	case Failing:
		s.healthy[side] = false
		switch s.state {
		case StateOfferSent, StateAnswerSent, StateConnected:
			s.state = StateRecovering
			if !s.recovering {
				s.recovering = true
				s.generation++
				res.Recovering = true
				res.Generation = s.generation
			}
		}
	}
	res.State = s.state
	return res, nil
}

// ExpireRecovery reports whether the recovery started at generation gen is
// still pending, in which case the caller should close the session. A
// renegotiation in progress does not end a recovery; only reconnecting does.
func (s *Session) ExpireRecovery(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateClosed && s.recovering && s.generation == gen
}

// close marks the session closed. It returns false if it already was.
func (s *Session) close(reason string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	s.closedAt = now
	s.closedReason = reason
	s.recovering = false
	s.generation++
	return true
}
