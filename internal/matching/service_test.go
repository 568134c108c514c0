package matching

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/video-chat/internal/channel"
	"github.com/whisper/video-chat/internal/channel/channeltest"
	"github.com/whisper/video-chat/internal/participant"
	"github.com/whisper/video-chat/internal/protocol"
	"github.com/whisper/video-chat/internal/queue"
	"github.com/whisper/video-chat/internal/relay"
	"github.com/whisper/video-chat/internal/scoring"
	"github.com/whisper/video-chat/internal/session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	queue *queue.Store
	reg   *session.Registry
	relay *relay.Relay
	clock *testClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	q := queue.NewStore(queue.DefaultPriorityPolicy(), queue.WithClock(clk.Now))
	reg := session.NewRegistry()
	reg.SetClock(clk.Now)
	rl := relay.New(reg, nil, relay.DefaultConfig())
	scorer := scoring.NewEngine(scoring.DefaultConfig(),
		scoring.WithJitter(func() float64 { return 0 }),
		scoring.WithClock(clk.Now),
	)
	return &harness{
		svc:   NewService(q, reg, scorer, rl, DefaultConfig(), opts...),
		queue: q,
		reg:   reg,
		relay: rl,
		clock: clk,
	}
}

func person(id string, interests ...string) participant.Participant {
	return participant.Participant{
		ID:          id,
		DisplayName: "user-" + id,
		Profile:     participant.Profile{Interests: interests},
	}
}

func join(t *testing.T, h *harness, p participant.Participant, prefs participant.Preferences) (*channeltest.Recorder, Result) {
	t.Helper()
	ch := channeltest.New(p.ID)
	res, err := h.svc.Join(context.Background(), JoinRequest{Participant: p, Preferences: prefs, Channel: ch})
	require.NoError(t, err)
	return ch, res
}

func enqueue(h *harness, p participant.Participant, prefs participant.Preferences, ch channel.Channel) {
	h.queue.Enqueue(queue.Entry{Participant: p, Preferences: prefs, Channel: ch})
}

func random() participant.Preferences {
	return participant.Preferences{Mode: participant.ModeRandom}
}

func TestJoin_FirstParticipantWaits(t *testing.T) {
	h := newHarness(t)
	ch, res := join(t, h, person("a"), random())

	assert.False(t, res.Matched)
	assert.Equal(t, 1, res.Position)
	ev, ok := ch.Last(protocol.TypeQueueJoined)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Payload.(protocol.QueueJoinedMsg).Position)
}

func TestJoin_PairsWithWaitingParticipant(t *testing.T) {
	h := newHarness(t)
	chA, _ := join(t, h, person("a", "music"), random())
	chB, res := join(t, h, person("b", "music"), random())

	require.True(t, res.Matched)
	assert.Equal(t, "a", res.PartnerID)
	assert.Zero(t, h.queue.Len())
	assert.Equal(t, 1, h.reg.Count())

	// The requester initiates; the responder is told first.
	evA, ok := chA.Last(protocol.TypeMatchFound)
	require.True(t, ok)
	mfA := evA.Payload.(protocol.MatchFoundMsg)
	assert.False(t, mfA.IsInitiator)
	assert.Equal(t, "b", mfA.Partner.ID)
	assert.Equal(t, []string{"music"}, mfA.SharedInterests)

	evB, _ := chB.Last(protocol.TypeMatchFound)
	assert.True(t, evB.Payload.(protocol.MatchFoundMsg).IsInitiator)
	assert.Equal(t, res.SessionID, evB.Payload.(protocol.MatchFoundMsg).SessionID)
	assert.Zero(t, chB.Count(protocol.TypeQueueJoined))
}

func TestAttempt_PrefersSharedInterests(t *testing.T) {
	h := newHarness(t)
	x, y, z := channeltest.New("x"), channeltest.New("y"), channeltest.New("z")
	enqueue(h, person("z", "chess", "cooking"), random(), z)
	enqueue(h, person("y", "gaming", "music"), random(), y)
	enqueue(h, person("x", "gaming", "music"), random(), x)

	res := h.svc.Attempt(context.Background(), "x")
	require.True(t, res.Matched)
	assert.Equal(t, "y", res.PartnerID)
	assert.True(t, h.queue.Contains("z"))
	assert.Zero(t, z.Count(protocol.TypeMatchFound))
}

func TestAttempt_NeverConfirmsVetoedPair(t *testing.T) {
	h := newHarness(t)
	y := person("y")
	y.Profile.Gender = "male"
	chY, _ := join(t, h, y, random())

	x := person("x")
	prefs := random()
	prefs.Genders = []string{"female"}
	chX, res := join(t, h, x, prefs)

	assert.False(t, res.Matched)
	assert.Zero(t, h.reg.Count())
	assert.Equal(t, 2, h.queue.Len())
	assert.Zero(t, chX.Count(protocol.TypeMatchFound))
	assert.Zero(t, chY.Count(protocol.TypeMatchFound))

	// Re-attempts do not change the outcome.
	for i := 0; i < 3; i++ {
		assert.False(t, h.svc.Attempt(context.Background(), "y").Matched)
	}
	got, _ := h.queue.Get("y")
	assert.Equal(t, 4, got.Attempts)
}

func TestAttempt_ModesDoNotMix(t *testing.T) {
	h := newHarness(t)
	join(t, h, person("a"), participant.Preferences{Mode: participant.ModeDate})
	_, res := join(t, h, person("b"), participant.Preferences{Mode: participant.ModeCasual})
	assert.False(t, res.Matched)
}

func TestJoin_RejectsWhilePaired(t *testing.T) {
	h := newHarness(t)
	join(t, h, person("a"), random())
	join(t, h, person("b"), random())
	require.True(t, h.reg.IsPaired("a"))

	_, err := h.svc.Join(context.Background(), JoinRequest{
		Participant: person("a"),
		Preferences: random(),
		Channel:     channeltest.New("a"),
	})
	assert.ErrorIs(t, err, ErrAlreadyPaired)
	assert.False(t, h.queue.Contains("a"))
}

func TestJoin_ReplacesPreviousEntry(t *testing.T) {
	h := newHarness(t)
	join(t, h, person("a"), participant.Preferences{Mode: participant.ModeDate})
	join(t, h, person("a"), participant.Preferences{Mode: participant.ModeCasual})

	assert.Equal(t, 1, h.queue.Len())
	e, _ := h.queue.Get("a")
	assert.Equal(t, participant.ModeCasual, e.Mode())
}

func TestLeave_Idempotent(t *testing.T) {
	h := newHarness(t)
	join(t, h, person("a"), random())

	assert.True(t, h.svc.Leave(context.Background(), "a"))
	assert.False(t, h.svc.Leave(context.Background(), "a"))
	assert.Zero(t, h.queue.Len())
}

func TestDisconnect_EndsSession(t *testing.T) {
	h := newHarness(t)
	chA, _ := join(t, h, person("a"), random())
	join(t, h, person("b"), random())

	h.svc.Disconnect(context.Background(), "b")
	assert.Zero(t, h.reg.Count())
	ev, ok := chA.Last(protocol.TypePeerDisconnected)
	require.True(t, ok)
	assert.Equal(t, session.ReasonPartnerLeft, ev.Payload.(protocol.PeerDisconnectedMsg).Reason)
}

func TestConfirm_ResponderUnreachableFallsThrough(t *testing.T) {
	h := newHarness(t)
	gone := channeltest.New("gone")
	gone.SetUnreachable(true)
	enqueue(h, person("gone", "music"), random(), gone)
	live := channeltest.New("live")
	enqueue(h, person("live"), random(), live)

	chR, res := join(t, h, person("r", "music"), random())

	require.True(t, res.Matched)
	assert.Equal(t, "live", res.PartnerID)
	assert.False(t, h.queue.Contains("gone"))
	assert.Equal(t, 1, chR.Count(protocol.TypeMatchFound))
}

func TestConfirm_RequesterVanishesPartnerRestored(t *testing.T) {
	h := newHarness(t)
	chP, _ := join(t, h, person("p"), random())
	before, _ := h.queue.Get("p")

	h.clock.Advance(time.Minute)
	req := channeltest.New("r")
	req.SetUnreachable(true)
	enqueue(h, person("r"), random(), req)

	res := h.svc.Attempt(context.Background(), "r")
	assert.False(t, res.Matched)
	assert.Zero(t, h.reg.Count())
	assert.False(t, h.queue.Contains("r"))

	// The partner heard about the match, then that the peer is gone, and is
	// back in the queue with its original wait.
	assert.Equal(t, 1, chP.Count(protocol.TypeMatchFound))
	assert.Equal(t, 1, chP.Count(protocol.TypePeerDisconnected))
	after, ok := h.queue.Get("p")
	require.True(t, ok)
	assert.Equal(t, before.JoinedAt, after.JoinedAt)
	assert.Equal(t, before.Seq, after.Seq)
}

func TestConfirm_SyntheticRequesterIsResponder(t *testing.T) {
	h := newHarness(t)
	chReal, _ := join(t, h, person("human"), random())

	fill := channeltest.NewSynthetic("filler")
	_, err := h.svc.Join(context.Background(), JoinRequest{Participant: person("filler"), Preferences: random(), Channel: fill})
	require.NoError(t, err)

	ev, ok := chReal.Last(protocol.TypeMatchFound)
	require.True(t, ok)
	assert.True(t, ev.Payload.(protocol.MatchFoundMsg).IsInitiator)
	s, ok := h.reg.ForParticipant("human")
	require.True(t, ok)
	assert.Equal(t, "human", s.Initiator.ParticipantID())
}

func TestAttempt_FillersNeverPairWithFillers(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"f1", "f2"} {
		_, err := h.svc.Join(context.Background(), JoinRequest{
			Participant: person(id),
			Preferences: random(),
			Channel:     channeltest.NewSynthetic(id),
		})
		require.NoError(t, err)
	}
	assert.Zero(t, h.reg.Count())
	assert.Equal(t, 2, h.queue.CountSynthetic())
}

func TestService_ConcurrentJoinsKeepUniqueness(t *testing.T) {
	h := newHarness(t)
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%02d", i)
			_, _ = h.svc.Join(context.Background(), JoinRequest{
				Participant: person(id, "music"),
				Preferences: random(),
				Channel:     channeltest.New(id),
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, s := range h.reg.All() {
		seen[s.Initiator.ParticipantID()]++
		seen[s.Responder.ParticipantID()]++
	}
	for _, e := range h.queue.All() {
		seen[e.ID()]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "participant %s appears %d times", id, count)
	}
	assert.Len(t, seen, n)
	assert.Equal(t, 2*h.reg.Count()+h.queue.Len(), n)
}

type fakeDirectory struct {
	profiles []participant.CandidateProfile
	err      error
	calls    int
}

func (d *fakeDirectory) FindEligibleCandidates(_ context.Context, _ participant.Participant, _ string, _ int) ([]participant.CandidateProfile, error) {
	d.calls++
	return d.profiles, d.err
}

type resolverMap map[string]channel.Channel

func (m resolverMap) Resolve(id string) (channel.Channel, bool) {
	ch, ok := m[id]
	return ch, ok
}

func TestAttempt_DirectoryAugmentsThinQueue(t *testing.T) {
	online := channeltest.New("dir-1")
	dir := &fakeDirectory{profiles: []participant.CandidateProfile{
		{Participant: person("dir-1", "music"), Preferences: random()},
		{Participant: person("offline", "music"), Preferences: random()},
	}}
	h := newHarness(t, WithDirectory(dir, resolverMap{"dir-1": online}))

	_, res := join(t, h, person("r", "music"), random())
	require.True(t, res.Matched)
	assert.Equal(t, "dir-1", res.PartnerID)
	assert.Equal(t, 1, online.Count(protocol.TypeMatchFound))
	assert.Equal(t, 1, dir.calls)
}

func TestAttempt_DirectoryFailureDegradesToQueue(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("pq: connection refused")}
	h := newHarness(t, WithDirectory(dir, resolverMap{}))

	chA, res := join(t, h, person("a"), random())
	assert.False(t, res.Matched)
	assert.Equal(t, 1, chA.Count(protocol.TypeQueueJoined))

	_, res = join(t, h, person("b"), random())
	assert.True(t, res.Matched)
}

// slowChannel widens the window between a confirmation taking entries from
// the queue and opening the session.
type slowChannel struct {
	*channeltest.Recorder
}

func (c slowChannel) Synthetic() bool {
	time.Sleep(2 * time.Millisecond)
	return c.Recorder.Synthetic()
}

func TestService_MutationsDuringConfirmKeepUniqueness(t *testing.T) {
	const runs = 30

	tests := []struct {
		name   string
		mutate func(t *testing.T, h *harness, id string)
		check  func(t *testing.T, h *harness, id string)
	}{
		{
			name: "rejoin",
			mutate: func(t *testing.T, h *harness, id string) {
				_, err := h.svc.Join(context.Background(), JoinRequest{
					Participant: person(id, "music"),
					Preferences: random(),
					Channel:     channeltest.New(id),
				})
				assert.ErrorIs(t, err, ErrAlreadyPaired)
			},
			check: func(t *testing.T, h *harness, id string) {
				assert.True(t, h.reg.IsPaired(id))
			},
		},
		{
			name: "disconnect",
			mutate: func(t *testing.T, h *harness, id string) {
				h.svc.Disconnect(context.Background(), id)
			},
			check: func(t *testing.T, h *harness, id string) {
				assert.False(t, h.reg.IsPaired(id))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < runs; i++ {
				h := newHarness(t)
				h.queue.Enqueue(queue.Entry{Participant: person("p", "music"), Preferences: random(), Channel: channeltest.New("p")})
				h.queue.Enqueue(queue.Entry{Participant: person("q", "music"), Preferences: random(), Channel: slowChannel{channeltest.New("q")}})

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					h.svc.Attempt(context.Background(), "q")
				}()
				go func() {
					defer wg.Done()
					for h.queue.Contains("p") {
						runtime.Gosched()
					}
					tt.mutate(t, h, "p")
				}()
				wg.Wait()

				require.False(t, h.queue.Contains("p") && h.reg.IsPaired("p"), "run %d: p queued and paired", i)
				tt.check(t, h, "p")
			}
		})
	}
}

func TestJoin_WaitsOutHeldClaim(t *testing.T) {
	claims := NewMemoryClaimer()
	h := newHarness(t, WithClaimer(claims))
	ctx := context.Background()

	ok, err := claims.Claim(ctx, "confirm", "p")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.Join(ctx, JoinRequest{Participant: person("p"), Preferences: random(), Channel: channeltest.New("p")})
	assert.ErrorIs(t, err, ErrMatchInProgress)
	assert.False(t, h.queue.Contains("p"))

	time.AfterFunc(20*time.Millisecond, func() { claims.Release(ctx, "confirm", "p") })
	_, err = h.svc.Join(ctx, JoinRequest{Participant: person("p"), Preferences: random(), Channel: channeltest.New("p")})
	require.NoError(t, err)
	assert.True(t, h.queue.Contains("p"))
	assert.False(t, claims.Held("p"))
}
