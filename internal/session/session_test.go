package session

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/video-chat/internal/channel"
	"github.com/whisper/video-chat/internal/channel/channeltest"
)

func openPair(t *testing.T) (*Registry, *Session, *channeltest.Recorder, *channeltest.Recorder) {
	t.Helper()
	r := NewRegistry()
	a, b := channeltest.New("a"), channeltest.New("b")
	s, err := r.Open(a, b, Meta{Mode: "random"})
	require.NoError(t, err)
	return r, s, a, b
}

func send(msgType string) func(channel.Channel) error {
	return func(to channel.Channel) error { return to.Send(msgType, nil) }
}

func TestRegistry_OpenRejectsPairedParticipants(t *testing.T) {
	r, _, _, _ := openPair(t)

	_, err := r.Open(channeltest.New("a"), channeltest.New("c"), Meta{})
	assert.ErrorIs(t, err, ErrAlreadyPaired)

	_, err = r.Open(channeltest.New("c"), channeltest.New("c"), Meta{})
	assert.Error(t, err)

	assert.Equal(t, 1, r.Count())
	assert.True(t, r.IsPaired("a"))
	assert.False(t, r.IsPaired("c"))
}

func TestRegistry_EndOnlyOnce(t *testing.T) {
	r, s, _, _ := openPair(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.End(s.ID, ReasonPartnerLeft); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, ReasonPartnerLeft, s.ClosedReason())
	assert.False(t, r.IsPaired("a"))
	assert.False(t, r.IsPaired("b"))

	_, err := r.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForward_HappyPath(t *testing.T) {
	_, s, a, b := openPair(t)

	require.NoError(t, s.Forward("a", KindOffer, send("offer")))
	assert.Equal(t, StateOfferSent, s.State())
	require.NoError(t, s.Forward("b", KindCandidate, send("cand")))
	require.NoError(t, s.Forward("b", KindAnswer, send("answer")))
	assert.Equal(t, StateAnswerSent, s.State())

	_, err := s.ReportHealth("a", Healthy)
	require.NoError(t, err)
	assert.Equal(t, StateAnswerSent, s.State())
	res, err := s.ReportHealth("b", Healthy)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, res.State)

	assert.Equal(t, []string{"offer"}, b.Types())
	assert.Equal(t, []string{"cand", "answer"}, a.Types())
}

func TestForward_RejectsOutOfOrder(t *testing.T) {
	_, s, _, _ := openPair(t)

	assert.ErrorIs(t, s.Forward("b", KindOffer, send("offer")), ErrOutOfOrder)
	assert.ErrorIs(t, s.Forward("b", KindAnswer, send("answer")), ErrOutOfOrder)
	assert.ErrorIs(t, s.Forward("z", KindCandidate, send("cand")), ErrNotParticipant)

	require.NoError(t, s.Forward("a", KindOffer, send("offer")))
	assert.ErrorIs(t, s.Forward("a", KindAnswer, send("answer")), ErrOutOfOrder)
	assert.ErrorIs(t, s.Forward("a", KindOffer, send("offer")), ErrOutOfOrder)
}

func TestForward_FailedDeliveryKeepsState(t *testing.T) {
	_, s, _, b := openPair(t)
	b.SetUnreachable(true)

	err := s.Forward("a", KindOffer, send("offer"))
	assert.ErrorIs(t, err, channel.ErrUnreachable)
	assert.Equal(t, StateNew, s.State())
}

func TestForward_NothingAfterClose(t *testing.T) {
	r, s, _, b := openPair(t)
	r.End(s.ID, ReasonSkip)

	assert.ErrorIs(t, s.Forward("a", KindCandidate, send("cand")), ErrClosed)
	assert.Empty(t, b.Types())
}

func TestForward_PreservesPerDirectionOrder(t *testing.T) {
	_, s, _, b := openPair(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Forward("a", KindCandidate, func(to channel.Channel) error {
			mu.Lock()
			order = append(order, len(order))
			mu.Unlock()
			return to.Send("cand", nil)
		}))
	}
	assert.Equal(t, 100, b.Count("cand"))
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestRecovery_TimeoutAndRenegotiation(t *testing.T) {
	_, s, _, _ := openPair(t)
	require.NoError(t, s.Forward("a", KindOffer, send("offer")))
	require.NoError(t, s.Forward("b", KindAnswer, send("answer")))
	s.ReportHealth("a", Healthy)
	s.ReportHealth("b", Healthy)
	require.Equal(t, StateConnected, s.State())

	res, err := s.ReportHealth("b", Failing)
	require.NoError(t, err)
	require.True(t, res.Recovering)
	assert.Equal(t, StateRecovering, s.State())

	// A second failure report does not start another timer.
	again, _ := s.ReportHealth("a", Failing)
	assert.False(t, again.Recovering)
	assert.True(t, s.ExpireRecovery(res.Generation))

	// A restart offer keeps the recovery pending until both sides are
	// healthy again.
	require.NoError(t, s.Forward("a", KindOffer, send("offer")))
	assert.Equal(t, StateOfferSent, s.State())
	assert.True(t, s.ExpireRecovery(res.Generation))

	// Failing again during the restart does not extend the window.
	again, _ = s.ReportHealth("b", Failing)
	assert.False(t, again.Recovering)
	assert.True(t, s.ExpireRecovery(res.Generation))

	require.NoError(t, s.Forward("a", KindOffer, send("offer")))
	require.NoError(t, s.Forward("b", KindAnswer, send("answer")))
	s.ReportHealth("a", Healthy)
	assert.True(t, s.ExpireRecovery(res.Generation))
	s.ReportHealth("b", Healthy)
	assert.Equal(t, StateConnected, s.State())
	assert.False(t, s.ExpireRecovery(res.Generation))
}

func TestForward_DeliveryDoesNotHoldSessionLock(t *testing.T) {
	_, s, _, _ := openPair(t)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Forward("a", KindOffer, func(to channel.Channel) error {
			close(entered)
			<-unblock
			return to.Send("offer", nil)
		})
	}()
	<-entered

	// The other direction, health reports and state reads proceed while
	// the write to b is stuck.
	assert.Equal(t, StateOfferSent, s.State())
	require.NoError(t, s.Forward("b", KindCandidate, send("cand")))
	_, err := s.ReportHealth("b", Healthy)
	require.NoError(t, err)

	close(unblock)
	require.NoError(t, <-done)
}

func TestDeliver_QueuesBehindForward(t *testing.T) {
	r, s, _, b := openPair(t)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Forward("a", KindCandidate, func(to channel.Channel) error {
			close(entered)
			<-unblock
			return to.Send("cand", nil)
		})
	}()
	<-entered

	_, ok := r.End(s.ID, ReasonPartnerLeft)
	require.True(t, ok)

	delivered := make(chan error, 1)
	go func() {
		delivered <- s.Deliver("b", send("bye"))
	}()
	close(unblock)
	require.NoError(t, <-done)
	require.NoError(t, <-delivered)

	assert.Equal(t, []string{"cand", "bye"}, b.Types())
	assert.ErrorIs(t, s.Forward("a", KindCandidate, send("cand")), ErrClosed)
	assert.ErrorIs(t, s.Deliver("z", send("bye")), ErrNotParticipant)
}

func TestRecovery_BothHealthyReconnects(t *testing.T) {
	_, s, _, _ := openPair(t)
	require.NoError(t, s.Forward("a", KindOffer, send("offer")))
	require.NoError(t, s.Forward("b", KindAnswer, send("answer")))

	res, _ := s.ReportHealth("a", Failing)
	require.True(t, res.Recovering)

	s.ReportHealth("a", Healthy)
	s.ReportHealth("b", Healthy)
	assert.Equal(t, StateConnected, s.State())
	assert.False(t, s.ExpireRecovery(res.Generation))
}

func TestSession_PeerAndChannel(t *testing.T) {
	_, s, a, b := openPair(t)

	peer, ok := s.Peer("a")
	require.True(t, ok)
	assert.Equal(t, b, peer)
	own, ok := s.Channel("b")
	require.True(t, ok)
	assert.Equal(t, b, own)
	peer, _ = s.Peer("b")
	assert.Equal(t, a, peer)
	_, ok = s.Peer("z")
	assert.False(t, ok)
	assert.False(t, s.Synthetic())
}
