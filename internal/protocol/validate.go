package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Payload limits.
const (
	MaxSDPBytes         = 64 * 1024
	MaxCandidateBytes   = 1024
	MaxInterests        = 20
	MaxInterestBytes    = 32
	MaxDisplayNameBytes = 64
	MaxBlocked          = 500
	maxReasonableAge    = 120
	maxReasonableDistKm = 20000
)

// Connection status values reported by clients. They follow
// RTCPeerConnection.connectionState.
const (
	StatusNew          = "new"
	StatusChecking     = "checking"
	StatusConnected    = "connected"
	StatusCompleted    = "completed"
	StatusDisconnected = "disconnected"
	StatusFailed       = "failed"
	StatusClosed       = "closed"
)

var validStatuses = map[string]bool{
	StatusNew:          true,
	StatusChecking:     true,
	StatusConnected:    true,
	StatusCompleted:    true,
	StatusDisconnected: true,
	StatusFailed:       true,
	StatusClosed:       true,
}

// ValidationError reports a malformed client payload. It is rejected at the
// boundary and never reaches the relay.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s: %s", e.Field, e.Reason)
}

// AsValidationError unwraps err into a *ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func validateSessionID(id string) error {
	if id == "" {
		return invalid("session_id", "missing")
	}
	if _, err := uuid.Parse(id); err != nil {
		return invalid("session_id", "not a uuid")
	}
	return nil
}

// ValidateSDP checks that an offer or answer carries a parseable session
// description of the matching type.
func ValidateSDP(m SDPMsg) error {
	if err := validateSessionID(m.SessionID); err != nil {
		return err
	}
	if m.SDP == "" {
		return invalid("sdp", "missing")
	}
	if len(m.SDP) > MaxSDPBytes {
		return invalid("sdp", fmt.Sprintf("exceeds %d bytes", MaxSDPBytes))
	}

	sdpType := webrtc.SDPTypeOffer
	if m.Type == TypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	desc := webrtc.SessionDescription{Type: sdpType, SDP: m.SDP}
	if _, err := desc.Unmarshal(); err != nil {
		return invalid("sdp", "unparseable session description")
	}
	return nil
}

// ValidateCandidate checks a trickled candidate. An empty candidate string
// signals end-of-candidates and is allowed.
func ValidateCandidate(m CandidateMsg) error {
	if err := validateSessionID(m.SessionID); err != nil {
		return err
	}
	c := m.Candidate.Candidate
	if len(c) > MaxCandidateBytes {
		return invalid("candidate", fmt.Sprintf("exceeds %d bytes", MaxCandidateBytes))
	}
	if c != "" && !strings.HasPrefix(c, "candidate:") {
		return invalid("candidate", "must start with \"candidate:\"")
	}
	return nil
}

// ValidateConnectionState checks a health report.
func ValidateConnectionState(m ConnectionStateMsg) error {
	if err := validateSessionID(m.SessionID); err != nil {
		return err
	}
	if !validStatuses[m.Status] {
		return invalid("status", fmt.Sprintf("unknown status %q", m.Status))
	}
	return nil
}

// ValidateJoin bounds the size of a join request's profile snapshot.
func ValidateJoin(m JoinQueueMsg) error {
	if len(m.DisplayName) > MaxDisplayNameBytes {
		return invalid("display_name", "too long")
	}
	p := m.Profile
	if p.Age < 0 || p.Age > maxReasonableAge {
		return invalid("profile.age", "out of range")
	}
	if len(p.Interests) > MaxInterests || len(m.Preferences.Interests) > MaxInterests {
		return invalid("interests", fmt.Sprintf("more than %d tags", MaxInterests))
	}
	for _, tags := range [][]string{p.Interests, m.Preferences.Interests} {
		for _, t := range tags {
			if len(t) > MaxInterestBytes {
				return invalid("interests", "tag too long")
			}
		}
	}
	if loc := p.Location; loc != nil {
		if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
			return invalid("profile.location", "out of range")
		}
	}
	pr := m.Preferences
	if pr.AgeMin < 0 || pr.AgeMax < 0 || (pr.AgeMax > 0 && pr.AgeMin > pr.AgeMax) {
		return invalid("preferences.age", "invalid range")
	}
	if pr.MaxDistanceKm < 0 || pr.MaxDistanceKm > maxReasonableDistKm {
		return invalid("preferences.max_distance_km", "out of range")
	}
	if len(m.Blocked) > MaxBlocked {
		return invalid("blocked", "too many entries")
	}
	return nil
}

// IsHealthy reports whether a connection status means media is flowing.
func IsHealthy(status string) bool {
	return status == StatusConnected || status == StatusCompleted
}

// IsFailure reports whether a connection status is a transient or permanent
// connectivity failure.
func IsFailure(status string) bool {
	return status == StatusDisconnected || status == StatusFailed
}
