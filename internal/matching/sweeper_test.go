package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/video-chat/internal/channel/channeltest"
	"github.com/whisper/video-chat/internal/protocol"
)

func TestSweeper_EvictsOnlyStaleEntries(t *testing.T) {
	h := newHarness(t)
	w := NewSweeper(h.svc)

	old := channeltest.New("old")
	enqueue(h, person("old"), random(), old)
	h.clock.Advance(2 * time.Minute)

	others := []*channeltest.Recorder{channeltest.New("b"), channeltest.New("c")}
	for _, ch := range others {
		enqueue(h, person(ch.ParticipantID()), random(), ch)
	}
	enqueue(h, person("filler"), random(), channeltest.NewSynthetic("filler"))

	h.clock.Advance(3*time.Minute - time.Millisecond)
	assert.Zero(t, w.EvictStale())
	assert.Zero(t, old.Count(protocol.TypeSearchExpired))

	h.clock.Advance(2 * time.Millisecond)
	assert.Equal(t, 1, w.EvictStale())
	assert.Equal(t, 3, h.queue.Len())
	assert.False(t, h.queue.Contains("old"))
	assert.Equal(t, 1, old.Count(protocol.TypeSearchExpired))
	for _, ch := range others {
		assert.Zero(t, ch.Count(protocol.TypeSearchExpired))
	}

	// The filler outlives every real entry.
	h.clock.Advance(time.Hour)
	assert.Equal(t, 2, w.EvictStale())
	assert.Equal(t, 1, h.queue.CountSynthetic())
	assert.Zero(t, h.queue.CountReal())
}

func TestSweeper_AgeAndRetryPairsWaiters(t *testing.T) {
	h := newHarness(t)
	w := NewSweeper(h.svc)

	a, b := channeltest.New("a"), channeltest.New("b")
	enqueue(h, person("a"), random(), a)
	enqueue(h, person("b"), random(), b)
	h.clock.Advance(4 * time.Minute)

	w.AgeAndRetry(context.Background())

	require.Equal(t, 1, h.reg.Count())
	assert.Zero(t, h.queue.Len())
	assert.Equal(t, 1, a.Count(protocol.TypeMatchFound))
	assert.Equal(t, 1, b.Count(protocol.TypeMatchFound))
}

func TestSweeper_AgeAndRetrySkipsFillerRequesters(t *testing.T) {
	h := newHarness(t)
	w := NewSweeper(h.svc)

	enqueue(h, person("f1"), random(), channeltest.NewSynthetic("f1"))
	enqueue(h, person("f2"), random(), channeltest.NewSynthetic("f2"))

	w.AgeAndRetry(context.Background())
	assert.Zero(t, h.reg.Count())
	assert.Equal(t, 2, h.queue.Len())
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.EvictInterval = 10 * time.Millisecond
	h.svc.cfg.AgingInterval = 10 * time.Millisecond
	w := NewSweeper(h.svc)

	w.Start()
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}
