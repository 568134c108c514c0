// Package filler keeps low-traffic queues warm with synthetic participants.
// A filler joins the queue like anyone else, stays in a session for a short
// random dwell and then leaves as an ordinary partner would.
package filler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-chat/internal/channel"
	"github.com/whisper/video-chat/internal/matching"
	"github.com/whisper/video-chat/internal/metrics"
	"github.com/whisper/video-chat/internal/participant"
	"github.com/whisper/video-chat/internal/protocol"
	"github.com/whisper/video-chat/internal/session"
)

const opTimeout = 5 * time.Second

// Config tunes the Manager.
type Config struct {
	Enabled             bool
	Target              int // fillers kept alive while traffic is low
	LowTrafficThreshold int // real queue depth at or above which fillers retire
	DwellMin            time.Duration
	DwellMax            time.Duration
	Cooldown            time.Duration
	Interval            time.Duration
	Mode                string
}

// DefaultConfig returns the standard filler configuration. Fillers are
// disabled unless explicitly enabled.
func DefaultConfig() Config {
	return Config{
		Target:              2,
		LowTrafficThreshold: 4,
		DwellMin:            8 * time.Second,
		DwellMax:            15 * time.Second,
		Cooldown:            3 * time.Second,
		Interval:            5 * time.Second,
		Mode:                participant.ModeRandom,
	}
}

// Matcher is the part of the matching engine fillers use.
type Matcher interface {
	Join(ctx context.Context, req matching.JoinRequest) (matching.Result, error)
	Leave(ctx context.Context, id string) bool
}

// Depth reports the number of real participants waiting.
type Depth interface {
	CountReal() int
}

// SessionLeaver ends a participant's active session. *relay.Relay
// implements it.
type SessionLeaver interface {
	Leave(ctx context.Context, participantID, reason string) bool
}

type state int

const (
	stateQueued state = iota
	statePaired
)

type filler struct {
	id      string
	persona participant.Participant
	state   state
	session string
	dwell   *time.Timer
}

// Manager spawns, tracks and retires fillers.
type Manager struct {
	matcher Matcher
	depth   Depth
	leaver  SessionLeaver
	cfg     Config
	logger  zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	fillers map[string]*filler
	respawn *time.Timer
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager. Nothing runs until Start or Reconcile.
func NewManager(matcher Matcher, depth Depth, leaver SessionLeaver, cfg Config) *Manager {
	if cfg.DwellMax < cfg.DwellMin {
		cfg.DwellMax = cfg.DwellMin
	}
	return &Manager{
		matcher: matcher,
		depth:   depth,
		leaver:  leaver,
		cfg:     cfg,
		logger:  log.With().Str("component", "filler").Logger(),
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		fillers: make(map[string]*filler),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic reconcile loop. It is a no-op when fillers are
// disabled.
func (m *Manager) Start() {
	if !m.cfg.Enabled {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.reconcileOnce()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.reconcileOnce()
			}
		}
	}()
	m.logger.Info().Int("target", m.cfg.Target).Int("low_traffic", m.cfg.LowTrafficThreshold).
		Msg("filler manager started")
}

// Stop halts the loop and every pending timer, and withdraws queued fillers.
// Fillers that are mid-session are left to relay shutdown.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.done)
	if m.respawn != nil {
		m.respawn.Stop()
	}
	var queued []string
	for id, f := range m.fillers {
		if f.dwell != nil {
			f.dwell.Stop()
		}
		if f.state == stateQueued {
			queued = append(queued, id)
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, id := range queued {
		m.matcher.Leave(ctx, id)
		m.forget(id)
	}
	m.logger.Info().Msg("filler manager stopped")
}

func (m *Manager) reconcileOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	m.Reconcile(ctx)
}

// Reconcile spawns fillers up to the target while the real queue is below
// the low-traffic threshold, and retires queued fillers once it is not.
func (m *Manager) Reconcile(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	depth := m.depth.CountReal()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	var (
		spawn  []*filler
		retire []string
	)
	if depth >= m.cfg.LowTrafficThreshold {
		for id, f := range m.fillers {
			if f.state == stateQueued {
				retire = append(retire, id)
			}
		}
	} else {
		for n := len(m.fillers); n < m.cfg.Target; n++ {
			p := persona(m.rng)
			f := &filler{id: p.ID, persona: p, state: stateQueued}
			m.fillers[f.id] = f
			spawn = append(spawn, f)
		}
	}
	m.observe()
	m.mu.Unlock()

	// Join and Leave may deliver events to fillers synchronously, so they
	// run without m.mu held.
	for _, id := range retire {
		if m.matcher.Leave(ctx, id) {
			m.forget(id)
			m.logger.Debug().Str("participant", id).Int("depth", depth).Msg("filler retired")
		}
	}
	for _, f := range spawn {
		m.join(ctx, f)
	}
}

func (m *Manager) join(ctx context.Context, f *filler) {
	ch := channel.NewSynthetic(f.id, func(msgType string, payload any) {
		m.handle(f.id, msgType, payload)
	})
	_, err := m.matcher.Join(ctx, matching.JoinRequest{
		Participant: f.persona,
		Preferences: participant.Preferences{Mode: m.cfg.Mode},
		Channel:     ch,
	})
	if err != nil {
		m.forget(f.id)
		m.logger.Warn().Err(err).Str("participant", f.id).Msg("filler failed to join")
		return
	}
	m.logger.Debug().Str("participant", f.id).Str("name", f.persona.DisplayName).Msg("filler joined")
}

// handle runs in the goroutine of whoever sent the event, possibly with
// session state locked, so it only touches Manager state and schedules work.
func (m *Manager) handle(id, msgType string, payload any) {
	switch msgType {
	case protocol.TypeMatchFound:
		mf, _ := payload.(protocol.MatchFoundMsg)
		m.paired(id, mf.SessionID)
	case protocol.TypePeerDisconnected, protocol.TypeSessionEnded, protocol.TypeSearchExpired:
		if m.forget(id) {
			m.respawnLater()
		}
	}
}

func (m *Manager) paired(id, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	f, ok := m.fillers[id]
	if !ok {
		// A filler whose previous match fell through during confirmation is
		// put back in the queue after it was forgotten. Adopt it again.
		f = &filler{id: id}
		m.fillers[id] = f
		m.observe()
	}
	f.state = statePaired
	f.session = sessionID

	dwell := m.cfg.DwellMin
	if span := m.cfg.DwellMax - m.cfg.DwellMin; span > 0 {
		dwell += time.Duration(m.rng.Int64N(int64(span) + 1))
	}
	f.dwell = time.AfterFunc(dwell, func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		// The relay echoes session-ended back to the filler, which forgets
		// it and schedules the respawn.
		if !m.leaver.Leave(ctx, id, session.ReasonPartnerLeft) {
			if m.forget(id) {
				m.respawnLater()
			}
		}
	})
	m.logger.Debug().Str("participant", id).Str("session", sessionID).Dur("dwell", dwell).Msg("filler paired")
}

// forget drops the filler and reports whether it was still tracked.
func (m *Manager) forget(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fillers[id]
	if !ok {
		return false
	}
	if f.dwell != nil {
		f.dwell.Stop()
	}
	delete(m.fillers, id)
	m.observe()
	return true
}

// respawnLater schedules a reconcile after the cooldown. Fillers that finish
// within one cooldown share a single respawn.
func (m *Manager) respawnLater() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.respawn == nil {
		m.respawn = time.AfterFunc(m.cfg.Cooldown, m.reconcileOnce)
		return
	}
	m.respawn.Reset(m.cfg.Cooldown)
}

// Active returns the number of fillers currently queued or paired.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fillers)
}

func (m *Manager) observe() {
	metrics.FillersActive.Set(float64(len(m.fillers)))
}
