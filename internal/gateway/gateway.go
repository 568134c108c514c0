// Package gateway binds client connections to the matching core. It turns
// parsed client messages into queue, relay and moderation operations and
// tracks per-participant state that outlives a single message: the last join
// request (for skip) and the signaling throttle.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/whisper/video-chat/internal/ban"
	"github.com/whisper/video-chat/internal/channel"
	"github.com/whisper/video-chat/internal/matching"
	"github.com/whisper/video-chat/internal/moderation"
	"github.com/whisper/video-chat/internal/participant"
	"github.com/whisper/video-chat/internal/protocol"
	"github.com/whisper/video-chat/internal/ratelimit"
	"github.com/whisper/video-chat/internal/relay"
	"github.com/whisper/video-chat/internal/report"
	"github.com/whisper/video-chat/internal/session"
	"github.com/whisper/video-chat/internal/ws"
)

const opTimeout = 3 * time.Second

// Matcher is the queue side of the core. *matching.Service implements it.
type Matcher interface {
	Join(ctx context.Context, req matching.JoinRequest) (matching.Result, error)
	Leave(ctx context.Context, id string) bool
	Disconnect(ctx context.Context, id string)
}

// Relay is the session side of the core. *relay.Relay implements it.
type Relay interface {
	Offer(ctx context.Context, from, sessionID, sdp string) error
	Answer(ctx context.Context, from, sessionID, sdp string) error
	Candidate(ctx context.Context, from, sessionID string, c protocol.ICECandidate) error
	ReportHealth(ctx context.Context, from, sessionID, status string) error
	Leave(ctx context.Context, participantID, reason string) bool
	End(ctx context.Context, sessionID, leaver, reason string) bool
}

// Sessions looks up active sessions. *session.Registry implements it.
type Sessions interface {
	Get(id string) (*session.Session, error)
}

// Transport writes to live connections. *ws.Server implements it.
type Transport interface {
	channel.Sender
	Fingerprint(id string) (string, bool)
}

// Bans is the fingerprint ban store. *ban.Store implements it.
type Bans interface {
	Check(ctx context.Context, fingerprint string) (ban.Status, error)
	Violations(ctx context.Context, fingerprint string) (int, error)
	Report(ctx context.Context, fingerprint, reporter string) (ban.Status, error)
}

// Limiter is the shared rate limiter. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Presence mirrors participant status for other instances. *presence.Store
// implements it.
type Presence interface {
	MarkQueued(ctx context.Context, id, mode string) error
	MarkPaired(ctx context.Context, id, sessionID string) error
	MarkIdle(ctx context.Context, id string) error
	SetFingerprint(ctx context.Context, id, fingerprint string) error
}

// ProfileFilter screens display names and interest tags.
// *moderation.Filter implements it.
type ProfileFilter interface {
	Check(text string) moderation.FilterResult
	CheckInterests(interests []string) []string
}

// ReportLog keeps an audit record of abuse reports. *report.Store
// implements it.
type ReportLog interface {
	Create(ctx context.Context, r *report.Report) error
}

// Config tunes the Gateway.
type Config struct {
	SignalRate  float64 // signaling messages per second per participant
	SignalBurst int
}

// DefaultConfig returns the standard gateway configuration.
func DefaultConfig() Config {
	return Config{SignalRate: 20, SignalBurst: 40}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBans enables ban checks, reports and violation counts.
func WithBans(b Bans) Option {
	return func(g *Gateway) { g.bans = b }
}

// WithLimiter enables the shared join and report rate limits.
func WithLimiter(l Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithPresence enables presence status updates.
func WithPresence(p Presence) Option {
	return func(g *Gateway) { g.presence = p }
}

// WithFilter screens profile text on join.
func WithFilter(f ProfileFilter) Option {
	return func(g *Gateway) { g.filter = f }
}

// WithReportLog records every accepted report.
func WithReportLog(r ReportLog) Option {
	return func(g *Gateway) { g.reports = r }
}

type peer struct {
	join    *matching.JoinRequest // last join, replayed by skip
	limiter *rate.Limiter
}

// Gateway handles client messages for one server instance.
type Gateway struct {
	matcher   Matcher
	relay     Relay
	sessions  Sessions
	transport Transport
	bans      Bans
	limiter   Limiter
	presence  Presence
	filter    ProfileFilter
	reports   ReportLog
	cfg       Config
	logger    zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peer
}

// New creates a Gateway.
func New(matcher Matcher, rl Relay, sessions Sessions, transport Transport, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		matcher:   matcher,
		relay:     rl,
		sessions:  sessions,
		transport: transport,
		cfg:       cfg,
		logger:    log.With().Str("component", "gateway").Logger(),
		peers:     make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register installs a handler for every client message type except ping,
// which the dispatcher answers itself.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeSetFingerprint, g.handleSetFingerprint)
	d.Register(protocol.TypeJoinQueue, g.handleJoin)
	d.Register(protocol.TypeLeaveQueue, g.handleLeave)
	d.Register(protocol.TypeSkip, g.handleSkip)
	d.Register(protocol.TypeOffer, g.handleOffer)
	d.Register(protocol.TypeAnswer, g.handleAnswer)
	d.Register(protocol.TypeCandidate, g.handleCandidate)
	d.Register(protocol.TypeConnectionState, g.handleConnectionState)
	d.Register(protocol.TypeEndSession, g.handleEndSession)
	d.Register(protocol.TypeReport, g.handleReport)
}

// Resolve returns the channel of a participant connected to this instance.
// It lets the matching engine pair directory candidates.
func (g *Gateway) Resolve(participantID string) (channel.Channel, bool) {
	if _, ok := g.transport.Fingerprint(participantID); !ok {
		return nil, false
	}
	return g.channel(participantID), true
}

// Disconnect removes every trace of a participant whose connection closed.
// Its partner, if any, is told partner_left.
func (g *Gateway) Disconnect(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	g.matcher.Disconnect(ctx, id)

	g.mu.Lock()
	delete(g.peers, id)
	g.mu.Unlock()
	g.logger.Debug().Str("participant", id).Msg("participant disconnected")
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleSetFingerprint(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SetFingerprintMsg)
	if !ok {
		return
	}
	conn.SetFingerprint(m.Fingerprint)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if g.presence != nil {
		if err := g.presence.SetFingerprint(ctx, conn.ID, m.Fingerprint); err != nil {
			g.logger.Warn().Err(err).Str("participant", conn.ID).Msg("failed to store fingerprint")
		}
	}
	g.checkBan(ctx, conn.ID, m.Fingerprint)
}

func (g *Gateway) handleJoin(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinQueueMsg)
	if !ok {
		return
	}
	p := participant.Participant{
		ID:          conn.ID,
		DisplayName: m.DisplayName,
		Profile:     m.Profile,
		Reputation:  m.Reputation,
		MatchCount:  m.MatchCount,
		Blocked:     m.Blocked,
	}
	if m.AccountCreatedAt > 0 {
		p.AccountCreatedAt = time.Unix(m.AccountCreatedAt, 0)
	}
	prefs := m.Preferences
	if prefs.Mode == "" {
		prefs.Mode = m.Mode
	}
	g.screen(&p, &prefs)
	req := matching.JoinRequest{Participant: p, Preferences: prefs}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	g.enter(ctx, conn, req)
}

func (g *Gateway) handleLeave(conn *ws.Connection, _ interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if g.matcher.Leave(ctx, conn.ID) {
		g.markIdle(ctx, conn.ID)
	}
	g.reply(conn.ID, protocol.TypeLeft, protocol.LeftMsg{})
}

func (g *Gateway) handleSkip(conn *ws.Connection, _ interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ended := g.relay.Leave(ctx, conn.ID, session.ReasonSkip)

	g.mu.Lock()
	var last *matching.JoinRequest
	if p, ok := g.peers[conn.ID]; ok {
		last = p.join
	}
	g.mu.Unlock()

	if last == nil {
		if !ended {
			g.sendError(conn.ID, protocol.CodeNotQueued, "nothing to skip")
		}
		return
	}
	g.enter(ctx, conn, *last)
}

func (g *Gateway) handleOffer(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SDPMsg)
	if !ok || !g.allowSignal(conn.ID) {
		return
	}
	g.signalResult(conn.ID, g.relay.Offer(context.Background(), conn.ID, m.SessionID, m.SDP))
}

func (g *Gateway) handleAnswer(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SDPMsg)
	if !ok || !g.allowSignal(conn.ID) {
		return
	}
	g.signalResult(conn.ID, g.relay.Answer(context.Background(), conn.ID, m.SessionID, m.SDP))
}

func (g *Gateway) handleCandidate(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.CandidateMsg)
	if !ok || !g.allowSignal(conn.ID) {
		return
	}
	g.signalResult(conn.ID, g.relay.Candidate(context.Background(), conn.ID, m.SessionID, m.Candidate))
}

func (g *Gateway) handleConnectionState(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ConnectionStateMsg)
	if !ok || !g.allowSignal(conn.ID) {
		return
	}
	g.signalResult(conn.ID, g.relay.ReportHealth(context.Background(), conn.ID, m.SessionID, m.Status))
}

func (g *Gateway) handleEndSession(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.EndSessionMsg)
	if !ok {
		return
	}
	if !g.relay.End(context.Background(), m.SessionID, conn.ID, session.ReasonPartnerLeft) {
		g.logger.Debug().Str("participant", conn.ID).Str("session", m.SessionID).
			Msg("end_session for inactive session")
	}
}

func (g *Gateway) handleReport(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ReportMsg)
	if !ok {
		return
	}
	s, err := g.sessions.Get(m.SessionID)
	if err != nil || !s.Has(conn.ID) {
		g.logger.Debug().Str("participant", conn.ID).Str("session", m.SessionID).
			Msg("report for inactive session")
		return
	}
	partner, _ := s.Peer(conn.ID)
	partnerID := partner.ParticipantID()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !g.allow(ctx, conn.ID, conn.ID, ratelimit.RuleReport) {
		return
	}
	if g.bans == nil || partner.Synthetic() {
		return
	}
	fp, live := g.transport.Fingerprint(partnerID)
	if !live || fp == "" {
		g.logger.Info().Str("participant", conn.ID).Str("reported", partnerID).
			Msg("report against participant without fingerprint")
		return
	}

	reporter := conn.Fingerprint()
	if reporter == "" {
		reporter = conn.ID
	}
	st, err := g.bans.Report(ctx, fp, reporter)
	if err != nil {
		g.logger.Warn().Err(err).Str("participant", conn.ID).Msg("failed to record report")
		return
	}
	reason := report.NormalizeReason(m.Reason)
	g.logger.Info().Str("participant", conn.ID).Str("reported", partnerID).
		Str("session", m.SessionID).Str("reason", reason).Bool("banned", st.Banned).Msg("report recorded")

	if g.reports != nil {
		err := g.reports.Create(ctx, &report.Report{
			ReporterID:          conn.ID,
			ReporterFingerprint: conn.Fingerprint(),
			ReportedID:          partnerID,
			ReportedFingerprint: fp,
			SessionID:           m.SessionID,
			Reason:              reason,
			ResultedInBan:       st.Banned,
		})
		if err != nil {
			g.logger.Warn().Err(err).Str("session", m.SessionID).Msg("failed to store report")
		}
	}

	if st.Banned {
		g.reply(partnerID, protocol.TypeBanned, bannedMsg(st))
		g.relay.Leave(ctx, partnerID, session.ReasonPartnerLeft)
		g.matcher.Leave(ctx, partnerID)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// enter runs the admission checks and puts the participant in the queue. A
// participant that is still paired leaves its session first.
func (g *Gateway) enter(ctx context.Context, conn *ws.Connection, req matching.JoinRequest) {
	id := conn.ID
	fp := conn.Fingerprint()

	if g.checkBan(ctx, id, fp) {
		return
	}
	identity := fp
	if identity == "" {
		identity = id
	}
	if !g.allow(ctx, id, identity, ratelimit.RuleJoin) {
		return
	}

	last := req
	g.mu.Lock()
	g.peerLocked(id).join = &last
	g.mu.Unlock()

	if g.relay.Leave(ctx, id, session.ReasonSkip) {
		g.logger.Debug().Str("participant", id).Msg("ended session before re-join")
	}

	req.Participant.ID = id
	req.Participant.Reputation.RecentViolations = g.violations(ctx, fp)
	req.Channel = g.channel(id)

	if g.presence != nil {
		if err := g.presence.MarkQueued(ctx, id, participant.NormalizeMode(req.Preferences.Mode)); err != nil {
			g.logger.Debug().Err(err).Str("participant", id).Msg("presence update failed")
		}
	}

	if _, err := g.matcher.Join(ctx, req); err != nil {
		switch {
		case errors.Is(err, matching.ErrAlreadyPaired):
			g.sendError(id, protocol.CodeAlreadyPaired, "already in a session")
			return
		case errors.Is(err, matching.ErrMatchInProgress):
			g.sendError(id, protocol.CodeAlreadyPaired, "match in progress")
			return
		}
		g.logger.Error().Err(err).Str("participant", id).Msg("join failed")
		g.sendError(id, protocol.CodeInternal, "join failed")
	}
}

// screen clears an offending display name and drops offending interests.
func (g *Gateway) screen(p *participant.Participant, prefs *participant.Preferences) {
	if g.filter == nil {
		return
	}
	if res := g.filter.Check(p.DisplayName); res.Blocked {
		g.logger.Info().Str("participant", p.ID).Str("reason", res.Reason).Str("term", res.Term).
			Msg("display name rejected")
		p.DisplayName = ""
	}
	p.Profile.Interests = g.filter.CheckInterests(p.Profile.Interests)
	prefs.Interests = g.filter.CheckInterests(prefs.Interests)
}

// checkBan reports whether fingerprint is banned, telling the participant
// if so. Store errors fail open.
func (g *Gateway) checkBan(ctx context.Context, id, fingerprint string) bool {
	if g.bans == nil || fingerprint == "" {
		return false
	}
	st, err := g.bans.Check(ctx, fingerprint)
	if err != nil {
		g.logger.Warn().Err(err).Str("participant", id).Msg("ban check failed")
		return false
	}
	if !st.Banned {
		return false
	}
	g.logger.Info().Str("participant", id).Dur("remaining", st.Remaining).Msg("banned participant rejected")
	g.reply(id, protocol.TypeBanned, bannedMsg(st))
	return true
}

func (g *Gateway) violations(ctx context.Context, fingerprint string) int {
	if g.bans == nil || fingerprint == "" {
		return 0
	}
	n, err := g.bans.Violations(ctx, fingerprint)
	if err != nil {
		g.logger.Warn().Err(err).Msg("violation lookup failed")
		return 0
	}
	return n
}

// allow applies a shared rate limit rule to identity, telling participant
// id when it is exceeded.
func (g *Gateway) allow(ctx context.Context, id, identity string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(ctx, identity, rule)
	if err != nil || ok {
		return true
	}
	retry := g.limiter.RetryAfter(ctx, identity, rule)
	g.logger.Debug().Str("participant", id).Str("rule", rule.Key).Dur("retry_after", retry).Msg("rate limited")
	g.reply(id, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(retry.Round(time.Second).Seconds()),
	})
	return false
}

// allowSignal applies the per-participant signaling throttle.
func (g *Gateway) allowSignal(id string) bool {
	g.mu.Lock()
	lim := g.peerLocked(id).limiter
	g.mu.Unlock()
	if lim.Allow() {
		return true
	}
	g.reply(id, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: 1})
	return false
}

// signalResult reports relay errors that the client can act on. Stale
// sessions and unreachable peers are handled by the relay itself.
func (g *Gateway) signalResult(id string, err error) {
	switch {
	case err == nil,
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, relay.ErrUnreachable):
	case errors.Is(err, session.ErrOutOfOrder):
		g.logger.Debug().Err(err).Str("participant", id).Msg("out of order signaling dropped")
	case errors.Is(err, session.ErrNotParticipant):
		g.sendError(id, protocol.CodeInvalidPayload, err.Error())
	default:
		g.logger.Error().Err(err).Str("participant", id).Msg("relay failed")
		g.sendError(id, protocol.CodeInternal, "relay failed")
	}
}

// peerLocked returns the state for id, creating it. g.mu must be held.
func (g *Gateway) peerLocked(id string) *peer {
	p, ok := g.peers[id]
	if !ok {
		p = &peer{limiter: rate.NewLimiter(rate.Limit(g.cfg.SignalRate), g.cfg.SignalBurst)}
		g.peers[id] = p
	}
	return p
}

func (g *Gateway) channel(id string) channel.Channel {
	return &tracked{Channel: channel.NewReal(id, g.transport), g: g}
}

func (g *Gateway) reply(id, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.logger.Error().Err(err).Str("type", msgType).Msg("encode failed")
		return
	}
	if err := g.transport.SendMessage(id, data); err != nil {
		g.logger.Debug().Err(err).Str("participant", id).Str("type", msgType).Msg("reply not delivered")
	}
}

func (g *Gateway) sendError(id, code, message string) {
	g.reply(id, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (g *Gateway) markIdle(ctx context.Context, id string) {
	if g.presence == nil {
		return
	}
	if err := g.presence.MarkIdle(ctx, id); err != nil {
		g.logger.Debug().Err(err).Str("participant", id).Msg("presence update failed")
	}
}

func bannedMsg(st ban.Status) protocol.BannedMsg {
	return protocol.BannedMsg{Duration: int(st.Remaining.Seconds()), Reason: st.Reason}
}
