// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/video-chat/internal/participant"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSetFingerprint  = "set_fingerprint"
	TypeJoinQueue       = "join_queue"
	TypeLeaveQueue      = "leave_queue"
	TypeSkip            = "skip"
	TypeOffer           = "webrtc:offer"
	TypeAnswer          = "webrtc:answer"
	TypeCandidate       = "webrtc:ice-candidate"
	TypeConnectionState = "connection_state"
	TypeEndSession      = "end_session"
	TypeReport          = "report"
	TypePing            = "ping"
)

// Server -> Client message types. The webrtc:* types are shared with the
// client direction because the relay forwards them verbatim.
const (
	TypeSessionCreated   = "session_created"
	TypeQueueJoined      = "queue-joined"
	TypeMatchFound       = "match-found"
	TypePeerDisconnected = "peer-disconnected"
	TypeSessionEnded     = "session-ended"
	TypeSearchExpired    = "search-expired"
	TypeLeft             = "left"
	TypeRateLimited      = "rate_limited"
	TypeBanned           = "banned"
	TypeError            = "error"
	TypePong             = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidPayload  = "invalid_payload"
	CodeAlreadyPaired   = "already_paired"
	CodeNotQueued       = "not_queued"
	CodeInternal        = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SetFingerprintMsg associates a browser fingerprint hash with the connection
// for ban enforcement.
type SetFingerprintMsg struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
}

// JoinQueueMsg enters the matching queue. Profile data is a snapshot supplied
// by the client application; the server does not persist it.
type JoinQueueMsg struct {
	Type             string                  `json:"type"`
	Mode             string                  `json:"mode"`
	DisplayName      string                  `json:"display_name"`
	Profile          participant.Profile     `json:"profile"`
	Reputation       participant.Reputation  `json:"reputation"`
	AccountCreatedAt int64                   `json:"account_created_at,omitempty"` // unix seconds
	MatchCount       int                     `json:"match_count,omitempty"`
	Blocked          []string                `json:"blocked,omitempty"`
	Preferences      participant.Preferences `json:"preferences"`
}

// LeaveQueueMsg leaves the matching queue.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// SkipMsg ends the current session and searches again with the previous
// preferences.
type SkipMsg struct {
	Type string `json:"type"`
}

// SDPMsg carries an offer or answer. The SDP is relayed verbatim.
type SDPMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

// ICECandidate mirrors the browser's RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateMsg carries a trickled network candidate.
type CandidateMsg struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Candidate ICECandidate `json:"candidate"`
}

// ConnectionStateMsg reports the peer connection's health as observed by
// the client.
type ConnectionStateMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// EndSessionMsg ends the given session.
type EndSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ReportMsg reports the partner of the given session.
type ReportMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent when a new connection is established. The id is
// the participant id used for the lifetime of the connection.
type SessionCreatedMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// QueueJoinedMsg confirms the participant is waiting in the queue.
type QueueJoinedMsg struct {
	Type     string  `json:"type"`
	Position int     `json:"position"`
	Priority float64 `json:"priority"`
}

// PartnerSummary is the subset of the partner exposed on match. Raw
// preference data is never included.
type PartnerSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// MatchFoundMsg is sent to both sides of a new session.
type MatchFoundMsg struct {
	Type            string         `json:"type"`
	SessionID       string         `json:"session_id"`
	Partner         PartnerSummary `json:"partner"`
	IsInitiator     bool           `json:"is_initiator"`
	SharedInterests []string       `json:"shared_interests"`
}

// PeerDisconnectedMsg tells a participant its partner is gone.
type PeerDisconnectedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// SessionEndedMsg acknowledges the end of a session to the side that ended it.
type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Duration  int    `json:"duration"` // seconds
	Reason    string `json:"reason"`
}

// SearchExpiredMsg is sent when the participant waited past the maximum
// queue time without a match.
type SearchExpiredMsg struct {
	Type string `json:"type"`
}

// LeftMsg acknowledges leave_queue.
type LeftMsg struct {
	Type string `json:"type"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// BannedMsg is sent when the client has been banned.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// Signaling messages are validated before they are returned; a validation
// failure is reported as a *ValidationError.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSetFingerprint:
		var m SetFingerprintMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinQueue:
		var m JoinQueueMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = ValidateJoin(m)
		}
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkip:
		var m SkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer, TypeAnswer:
		var m SDPMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = ValidateSDP(m)
		}
		msg = m
	case TypeCandidate:
		var m CandidateMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = ValidateCandidate(m)
		}
		msg = m
	case TypeConnectionState:
		var m ConnectionStateMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = ValidateConnectionState(m)
		}
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validateSessionID(m.SessionID)
		}
		msg = m
	case TypeReport:
		var m ReportMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validateSessionID(m.SessionID)
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		if _, ok := AsValidationError(err); ok {
			return env.Type, nil, err
		}
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
