// Package channeltest provides a recording channel.Channel for tests.
package channeltest

import (
	"sync"

	"github.com/whisper/video-chat/internal/channel"
)

// Event is one message delivered to a Recorder.
type Event struct {
	Type    string
	Payload any
}

// Recorder is a concurrency-safe fake channel that records every event sent
// to it. It can be switched to unreachable to simulate a dropped connection.
type Recorder struct {
	id        string
	synthetic bool

	mu          sync.Mutex
	events      []Event
	unreachable bool
}

// New returns a real (non-synthetic) recorder for id.
func New(id string) *Recorder {
	return &Recorder{id: id}
}

// NewSynthetic returns a recorder that reports itself as synthetic.
func NewSynthetic(id string) *Recorder {
	return &Recorder{id: id, synthetic: true}
}

func (r *Recorder) ParticipantID() string { return r.id }

func (r *Recorder) Synthetic() bool { return r.synthetic }

func (r *Recorder) Send(msgType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unreachable {
		return channel.ErrUnreachable
	}
	r.events = append(r.events, Event{Type: msgType, Payload: payload})
	return nil
}

// SetUnreachable makes subsequent sends fail with channel.ErrUnreachable.
func (r *Recorder) SetUnreachable(v bool) {
	r.mu.Lock()
	r.unreachable = v
	r.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in delivery order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of msgType were recorded.
func (r *Recorder) Count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == msgType {
			n++
		}
	}
	return n
}

// Last returns the most recent event of msgType.
func (r *Recorder) Last(msgType string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == msgType {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
