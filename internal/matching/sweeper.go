package matching

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-chat/internal/metrics"
	"github.com/whisper/video-chat/internal/protocol"
)

const sweepTimeout = 30 * time.Second

// Sweeper runs the periodic queue maintenance: eviction of entries that
// waited past the maximum, and aging boosts followed by re-attempts for the
// longest waiters. Both work on snapshots and never block joins for long.
type Sweeper struct {
	svc    *Service
	cfg    Config
	logger zerolog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper for svc.
func NewSweeper(svc *Service) *Sweeper {
	return &Sweeper{
		svc:    svc,
		cfg:    svc.cfg,
		logger: log.With().Str("component", "sweeper").Logger(),
		done:   make(chan struct{}),
	}
}

// Start launches the eviction and aging loops.
func (w *Sweeper) Start() {
	w.wg.Add(2)
	go w.loop(w.cfg.EvictInterval, func(context.Context) { w.EvictStale() })
	go w.loop(w.cfg.AgingInterval, w.AgeAndRetry)
	w.logger.Info().Dur("evict_interval", w.cfg.EvictInterval).
		Dur("aging_interval", w.cfg.AgingInterval).Msg("sweeper started")
}

// Stop stops both loops and waits for an in-flight sweep to finish.
func (w *Sweeper) Stop() {
	close(w.done)
	w.wg.Wait()
	w.logger.Info().Msg("sweeper stopped")
}

func (w *Sweeper) loop(interval time.Duration, fn func(context.Context)) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			fn(ctx)
			cancel()
		}
	}
}

// EvictStale removes every real entry that has waited at least MaxWait and
// sends search-expired to exactly those participants. It returns the number
// evicted.
func (w *Sweeper) EvictStale() int {
	evicted := w.svc.queue.EvictStale(w.cfg.MaxWait)
	for _, e := range evicted {
		if err := e.Channel.Send(protocol.TypeSearchExpired, protocol.SearchExpiredMsg{}); err != nil {
			w.logger.Debug().Err(err).Str("participant", e.ID()).Msg("search-expired not delivered")
		}
	}
	if n := len(evicted); n > 0 {
		metrics.QueueEvictions.Add(float64(n))
		w.svc.observeQueue()
		w.logger.Info().Int("count", n).Msg("evicted stale queue entries")
	}
	return len(evicted)
}

// AgeAndRetry boosts long waiters and re-attempts matching for the top
// entries by priority.
func (w *Sweeper) AgeAndRetry(ctx context.Context) {
	boosted := w.svc.queue.BoostWaiting(w.cfg.AgingThreshold, w.cfg.AgingRate, w.cfg.AgingCap)

	matched := 0
	for _, e := range w.svc.queue.TopByPriority(w.cfg.ReattemptTopN) {
		if e.Synthetic() || !w.svc.queue.Contains(e.ID()) {
			continue
		}
		if res := w.svc.Attempt(ctx, e.ID()); res.Matched {
			matched++
		}
	}

	if boosted > 0 || matched > 0 {
		w.logger.Debug().Int("boosted", boosted).Int("matched", matched).Msg("aging pass complete")
	}
}
