package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	subject string
	data    []byte
	err     error
}

func (c *capturePublisher) Publish(subject string, data []byte) error {
	c.subject = subject
	c.data = data
	return c.err
}

func TestOutcomePublisher_StampsServer(t *testing.T) {
	cp := &capturePublisher{}
	p := NewOutcomePublisher(cp, "ws-1")

	started := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	err := p.RecordMatchOutcome(context.Background(), MatchOutcome{
		SessionID:       "s1",
		InitiatorID:     "a",
		ResponderID:     "b",
		Mode:            "random",
		Score:           72.5,
		SharedInterests: []string{"music"},
		StartedAt:       started,
		EndedAt:         started.Add(90 * time.Second),
		DurationSeconds: 90,
		Reason:          "partner_left",
	})
	require.NoError(t, err)
	assert.Equal(t, SubjectMatchOutcome, cp.subject)

	got, err := DecodeOutcome(&nats.Msg{Data: cp.data})
	require.NoError(t, err)
	assert.Equal(t, "ws-1", got.Server)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, 90, got.DurationSeconds)
	assert.True(t, got.StartedAt.Equal(started))
}

func TestOutcomePublisher_PublishError(t *testing.T) {
	p := NewOutcomePublisher(&capturePublisher{err: errors.New("nats: connection closed")}, "ws-1")
	err := p.RecordMatchOutcome(context.Background(), MatchOutcome{SessionID: "s1"})
	assert.Error(t, err)
}

func TestDecodeOutcome_Invalid(t *testing.T) {
	_, err := DecodeOutcome(&nats.Msg{Data: []byte("{")})
	assert.Error(t, err)
}
