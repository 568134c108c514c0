package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/video-chat/internal/channel"
)

// Registry indexes active sessions by id and by participant. Lock order is
// registry before session; Session methods never take the registry lock.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	byParticipant map[string]*Session
	now           func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		byParticipant: make(map[string]*Session),
		now:           time.Now,
	}
}

// SetClock overrides the registry clock. It must be called before use.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time { return r.now() }

// Open creates a session between initiator and responder. It fails with
// ErrAlreadyPaired if either participant is in an active session.
func (r *Registry) Open(initiator, responder channel.Channel, meta Meta) (*Session, error) {
	a, b := initiator.ParticipantID(), responder.ParticipantID()
	if a == b {
		return nil, fmt.Errorf("session: cannot pair %s with itself", a)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byParticipant[a]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaired, a)
	}
	if _, ok := r.byParticipant[b]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaired, b)
	}

	s := newSession(uuid.New().String(), initiator, responder, meta, r.now())
	r.sessions[s.ID] = s
	r.byParticipant[a] = s
	r.byParticipant[b] = s
	return s, nil
}

// Get returns the active session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// ForParticipant returns the active session of participantID.
func (r *Registry) ForParticipant(participantID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byParticipant[participantID]
	return s, ok
}

// IsPaired reports whether participantID is in an active session.
func (r *Registry) IsPaired(participantID string) bool {
	_, ok := r.ForParticipant(participantID)
	return ok
}

// End closes the session and removes it from the registry. Only the first
// caller for a given session gets true; that caller owns the close
// notifications.
func (r *Registry) End(id, reason string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	for _, ch := range []channel.Channel{s.Initiator, s.Responder} {
		if cur, ok := r.byParticipant[ch.ParticipantID()]; ok && cur == s {
			delete(r.byParticipant, ch.ParticipantID())
		}
	}
	return s, s.close(reason, r.now())
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the active sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
