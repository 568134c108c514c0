package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/video-chat/internal/channel/channeltest"
	"github.com/whisper/video-chat/internal/messaging"
	"github.com/whisper/video-chat/internal/protocol"
	"github.com/whisper/video-chat/internal/session"
)

type captureSink struct {
	mu       sync.Mutex
	outcomes []messaging.MatchOutcome
}

func (c *captureSink) RecordMatchOutcome(_ context.Context, o messaging.MatchOutcome) error {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}

type fixture struct {
	relay *Relay
	reg   *session.Registry
	sink  *captureSink
	sess  *session.Session
	a, b  *channeltest.Recorder
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	reg := session.NewRegistry()
	sink := &captureSink{}
	a, b := channeltest.New("a"), channeltest.New("b")
	s, err := reg.Open(a, b, session.Meta{Mode: "random", Score: 61})
	require.NoError(t, err)
	return &fixture{
		relay: New(reg, sink, Config{GraceWindow: grace}),
		reg:   reg,
		sink:  sink,
		sess:  s,
		a:     a,
		b:     b,
	}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.relay.Offer(ctx, "a", f.sess.ID, "offer-sdp"))
	require.NoError(t, f.relay.Answer(ctx, "b", f.sess.ID, "answer-sdp"))
	require.NoError(t, f.relay.ReportHealth(ctx, "a", f.sess.ID, protocol.StatusConnected))
	require.NoError(t, f.relay.ReportHealth(ctx, "b", f.sess.ID, protocol.StatusConnected))
	require.Equal(t, session.StateConnected, f.sess.State())
}

func TestRelay_ForwardsVerbatim(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	require.NoError(t, f.relay.Offer(ctx, "a", f.sess.ID, "v=0 offer"))
	require.NoError(t, f.relay.Candidate(ctx, "b", f.sess.ID, protocol.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host"}))

	ev, ok := f.b.Last(protocol.TypeOffer)
	require.True(t, ok)
	assert.Equal(t, "v=0 offer", ev.Payload.(protocol.SDPMsg).SDP)

	ev, ok = f.a.Last(protocol.TypeCandidate)
	require.True(t, ok)
	assert.Equal(t, "candidate:1 1 udp 1 10.0.0.1 9 typ host", ev.Payload.(protocol.CandidateMsg).Candidate.Candidate)
}

func TestRelay_UnknownSessionDropped(t *testing.T) {
	f := newFixture(t, time.Second)
	err := f.relay.Offer(context.Background(), "a", "00000000-0000-0000-0000-000000000000", "sdp")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Empty(t, f.b.Types())
}

func TestRelay_NonParticipantRejected(t *testing.T) {
	f := newFixture(t, time.Second)
	err := f.relay.Candidate(context.Background(), "mallory", f.sess.ID, protocol.ICECandidate{})
	assert.ErrorIs(t, err, session.ErrNotParticipant)
	assert.Empty(t, f.a.Types())
	assert.Empty(t, f.b.Types())
}

func TestRelay_LeaveNotifiesOnce(t *testing.T) {
	f := newFixture(t, time.Second)
	f.connect(t)
	f.a.Reset()
	f.b.Reset()

	assert.True(t, f.relay.Leave(context.Background(), "a", session.ReasonPartnerLeft))
	assert.False(t, f.relay.Leave(context.Background(), "a", session.ReasonPartnerLeft))
	assert.False(t, f.relay.End(context.Background(), f.sess.ID, "b", session.ReasonPartnerLeft))

	assert.Equal(t, []string{protocol.TypePeerDisconnected}, f.b.Types())
	assert.Equal(t, []string{protocol.TypeSessionEnded}, f.a.Types())

	ev, _ := f.b.Last(protocol.TypePeerDisconnected)
	assert.Equal(t, session.ReasonPartnerLeft, ev.Payload.(protocol.PeerDisconnectedMsg).Reason)

	assert.Eventually(t, func() bool { return f.sink.Len() == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, f.reg.Count())
}

func TestRelay_EndRequiresMembership(t *testing.T) {
	f := newFixture(t, time.Second)
	assert.False(t, f.relay.End(context.Background(), f.sess.ID, "mallory", session.ReasonPartnerLeft))
	assert.Equal(t, 1, f.reg.Count())
}

func TestRelay_ConcurrentLeaveSingleNotification(t *testing.T) {
	f := newFixture(t, time.Second)
	f.connect(t)
	f.a.Reset()
	f.b.Reset()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			f.relay.Leave(context.Background(), id, session.ReasonPartnerLeft)
		}(id)
	}
	wg.Wait()

	total := f.a.Count(protocol.TypePeerDisconnected) + f.b.Count(protocol.TypePeerDisconnected)
	assert.Equal(t, 1, total)
	ended := f.a.Count(protocol.TypeSessionEnded) + f.b.Count(protocol.TypeSessionEnded)
	assert.Equal(t, 1, ended)
}

func TestRelay_RecoveryTimeoutNotifiesBothOnce(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.connect(t)
	f.a.Reset()
	f.b.Reset()

	require.NoError(t, f.relay.ReportHealth(context.Background(), "b", f.sess.ID, protocol.StatusFailed))
	assert.Equal(t, session.StateRecovering, f.sess.State())

	assert.Eventually(t, func() bool { return f.sess.State() == session.StateClosed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.TypePeerDisconnected}, f.a.Types())
	assert.Equal(t, []string{protocol.TypePeerDisconnected}, f.b.Types())
	assert.Equal(t, session.ReasonConnectionFailed, f.sess.ClosedReason())
}

func TestRelay_UnansweredRestartOfferStillExpires(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.connect(t)
	ctx := context.Background()

	require.NoError(t, f.relay.ReportHealth(ctx, "a", f.sess.ID, protocol.StatusDisconnected))
	require.NoError(t, f.relay.Offer(ctx, "a", f.sess.ID, "restart-offer"))
	f.a.Reset()
	f.b.Reset()

	assert.Eventually(t, func() bool { return f.sess.State() == session.StateClosed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.TypePeerDisconnected}, f.a.Types())
	assert.Equal(t, []string{protocol.TypePeerDisconnected}, f.b.Types())
	assert.Equal(t, session.ReasonConnectionFailed, f.sess.ClosedReason())
	assert.Zero(t, f.reg.Count())
	ev, ok := f.b.Last(protocol.TypePeerDisconnected)
	require.True(t, ok)
	assert.Equal(t, session.ReasonConnectionFailed, ev.Payload.(protocol.PeerDisconnectedMsg).Reason)
}

func TestRelay_RenegotiationWithinGraceKeepsSession(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.connect(t)
	ctx := context.Background()

	require.NoError(t, f.relay.ReportHealth(ctx, "a", f.sess.ID, protocol.StatusDisconnected))
	require.NoError(t, f.relay.Offer(ctx, "a", f.sess.ID, "restart-offer"))
	require.NoError(t, f.relay.Answer(ctx, "b", f.sess.ID, "restart-answer"))
	require.NoError(t, f.relay.ReportHealth(ctx, "a", f.sess.ID, protocol.StatusConnected))
	require.NoError(t, f.relay.ReportHealth(ctx, "b", f.sess.ID, protocol.StatusConnected))
	require.Equal(t, session.StateConnected, f.sess.State())

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, session.StateConnected, f.sess.State())
	assert.Equal(t, 1, f.reg.Count())
	assert.Zero(t, f.a.Count(protocol.TypePeerDisconnected))
	assert.Zero(t, f.b.Count(protocol.TypePeerDisconnected))
}

func TestRelay_UnreachableTargetClosesSession(t *testing.T) {
	f := newFixture(t, time.Second)
	f.b.SetUnreachable(true)

	err := f.relay.Offer(context.Background(), "a", f.sess.ID, "sdp")
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, session.StateClosed, f.sess.State())
	assert.Equal(t, session.ReasonConnectionFailed, f.sess.ClosedReason())

	ev, ok := f.a.Last(protocol.TypePeerDisconnected)
	require.True(t, ok)
	assert.Equal(t, session.ReasonConnectionFailed, ev.Payload.(protocol.PeerDisconnectedMsg).Reason)
}

func TestRelay_FillerSessionsSkipStats(t *testing.T) {
	reg := session.NewRegistry()
	sink := &captureSink{}
	r := New(reg, sink, DefaultConfig())
	human, fill := channeltest.New("human"), channeltest.NewSynthetic("filler")
	_, err := reg.Open(human, fill, session.Meta{})
	require.NoError(t, err)

	assert.True(t, r.Leave(context.Background(), "filler", session.ReasonPartnerLeft))
	assert.Equal(t, []string{protocol.TypePeerDisconnected}, human.Types())

	r.Shutdown(context.Background())
	assert.Zero(t, sink.Len())
}

func TestRelay_ShutdownClosesAll(t *testing.T) {
	f := newFixture(t, time.Second)
	f.relay.Shutdown(context.Background())

	assert.Zero(t, f.reg.Count())
	assert.Equal(t, 1, f.a.Count(protocol.TypePeerDisconnected))
	assert.Equal(t, 1, f.b.Count(protocol.TypePeerDisconnected))
	assert.Equal(t, 1, f.sink.Len())
}
