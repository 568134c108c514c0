package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// MatchOutcome summarizes a closed session for analytics and history.
type MatchOutcome struct {
	SessionID       string    `json:"session_id"`
	InitiatorID     string    `json:"initiator_id"`
	ResponderID     string    `json:"responder_id"`
	Mode            string    `json:"mode"`
	Score           float64   `json:"score"`
	SharedInterests []string  `json:"shared_interests"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Reason          string    `json:"reason"`
	EndedBy         string    `json:"ended_by,omitempty"`
	Server          string    `json:"server,omitempty"`
}

// Publisher is the subset of NATSClient used to publish outcomes.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// OutcomePublisher sends match outcomes to SubjectMatchOutcome.
type OutcomePublisher struct {
	pub    Publisher
	server string
}

// NewOutcomePublisher creates an OutcomePublisher that stamps each outcome
// with the given server name.
func NewOutcomePublisher(pub Publisher, server string) *OutcomePublisher {
	return &OutcomePublisher{pub: pub, server: server}
}

// RecordMatchOutcome publishes o. Delivery is best effort.
func (p *OutcomePublisher) RecordMatchOutcome(_ context.Context, o MatchOutcome) error {
	if o.Server == "" {
		o.Server = p.server
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("messaging: marshal outcome: %w", err)
	}
	if err := p.pub.Publish(SubjectMatchOutcome, data); err != nil {
		return fmt.Errorf("messaging: publish outcome: %w", err)
	}
	return nil
}

// DecodeOutcome parses a MatchOutcome from a NATS message.
func DecodeOutcome(msg *nats.Msg) (MatchOutcome, error) {
	var o MatchOutcome
	if err := json.Unmarshal(msg.Data, &o); err != nil {
		return MatchOutcome{}, fmt.Errorf("messaging: decode outcome: %w", err)
	}
	return o, nil
}
