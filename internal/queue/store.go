// Package queue holds participants waiting for a match, ordered by priority
// and then by arrival. All operations are safe for concurrent use and return
// value copies; callers never hold a reference into the store.
package queue

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the in-process waiting queue. There is at most one entry per
// participant id.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	seq     uint64
	policy  PriorityPolicy
	now     func() time.Time
}

// NewStore creates an empty Store.
func NewStore(policy PriorityPolicy, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*Entry),
		policy:  policy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Enqueue inserts e, replacing any existing entry for the same participant.
// JoinedAt, Seq and BasePriority are assigned by the store. The stored entry
// is returned along with whether a previous entry was replaced.
func (s *Store) Enqueue(e Entry) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, replaced := s.entries[e.ID()]
	s.seq++
	e.JoinedAt = s.now()
	e.Seq = s.seq
	e.BasePriority = s.policy.Initial(e.Participant)
	e.Boost = 0
	e.Attempts = 0

	stored := e
	s.entries[e.ID()] = &stored
	return stored, replaced
}

// Remove deletes the entry for id. It is idempotent.
func (s *Store) Remove(id string) (Entry, bool) {
	return s.Take(id)
}

// Take removes and returns the entry for id.
func (s *Store) Take(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(s.entries, id)
	return *e, true
}

// TakePair removes both entries, or neither if either is missing.
func (s *Store) TakePair(a, b string) (Entry, Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ea, okA := s.entries[a]
	eb, okB := s.entries[b]
	if !okA || !okB || a == b {
		return Entry{}, Entry{}, false
	}
	delete(s.entries, a)
	delete(s.entries, b)
	return *ea, *eb, true
}

// Restore reinserts previously taken entries unchanged, keeping their
// original JoinedAt, priority and sequence. An entry whose participant has
// re-joined in the meantime is skipped. It returns the number restored.
func (s *Store) Restore(entries ...Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range entries {
		if _, exists := s.entries[e.ID()]; exists {
			continue
		}
		stored := e
		s.entries[e.ID()] = &stored
		n++
	}
	return n
}

// Get returns a copy of the entry for id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Contains reports whether id is queued.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// All returns a snapshot of every entry in priority order.
func (s *Store) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(nil)
}

// TopByPriority returns up to n entries with the highest priority.
func (s *Store) TopByPriority(n int) []Entry {
	all := s.All()
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Candidates returns the entries in the given mode, in priority order,
// omitting those for which exclude returns true.
func (s *Store) Candidates(mode string, exclude func(Entry) bool) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(e Entry) bool {
		if e.Mode() != mode {
			return false
		}
		return exclude == nil || !exclude(e)
	})
}

// IncrementAttempts records a failed matching attempt for id.
func (s *Store) IncrementAttempts(id string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.Attempts++
	}
	s.mu.Unlock()
}

// BoostWaiting recomputes the aging boost of every real entry that has
// waited longer than threshold: ratePerMinute for each minute past the
// threshold, capped at maxBoost. It returns the number of entries whose
// boost changed.
func (s *Store) BoostWaiting(threshold time.Duration, ratePerMinute, maxBoost float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	changed := 0
	for _, e := range s.entries {
		if e.Synthetic() {
			continue
		}
		over := e.Waited(now) - threshold
		if over <= 0 {
			continue
		}
		boost := min(maxBoost, ratePerMinute*over.Minutes())
		if boost != e.Boost {
			e.Boost = boost
			changed++
		}
	}
	return changed
}

// EvictStale removes and returns every real entry that has waited at least
// maxWait. Synthetic entries are never evicted.
func (s *Store) EvictStale(maxWait time.Duration) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var evicted []Entry
	for id, e := range s.entries {
		if e.Synthetic() || e.Waited(now) < maxWait {
			continue
		}
		evicted = append(evicted, *e)
		delete(s.entries, id)
	}
	sortEntries(evicted)
	return evicted
}

// Position returns the 1-based rank of id in priority order.
func (s *Store) Position(id string) (int, bool) {
	for i, e := range s.All() {
		if e.ID() == id {
			return i + 1, true
		}
	}
	return 0, false
}

// Len returns the number of queued entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CountReal returns the number of queued non-synthetic entries.
func (s *Store) CountReal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.Synthetic() {
			n++
		}
	}
	return n
}

// CountSynthetic returns the number of queued filler entries.
func (s *Store) CountSynthetic() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Synthetic() {
			n++
		}
	}
	return n
}

func (s *Store) sortedLocked(keep func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if keep == nil || keep(*e) {
			out = append(out, *e)
		}
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(b.Priority(), a.Priority()); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}
