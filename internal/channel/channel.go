// Package channel provides the outbound event handle the matching core uses
// to reach a participant. A channel is either real (backed by a WebSocket
// connection) or synthetic (a queue filler with no transport).
package channel

import (
	"errors"
	"fmt"

	"github.com/whisper/video-chat/internal/protocol"
)

// ErrUnreachable is returned by Send when the participant's transport is gone.
var ErrUnreachable = errors.New("channel: participant unreachable")

// Channel delivers server events to a single participant.
type Channel interface {
	ParticipantID() string
	Send(msgType string, payload any) error
	Synthetic() bool
}

// Sender writes an encoded frame to a connection. *ws.Server implements it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// RealChannel is a Channel bound to a live client connection.
type RealChannel struct {
	id     string
	sender Sender
}

// NewReal returns a channel that writes to the connection with the given id.
func NewReal(id string, sender Sender) *RealChannel {
	return &RealChannel{id: id, sender: sender}
}

func (c *RealChannel) ParticipantID() string { return c.id }

func (c *RealChannel) Synthetic() bool { return false }

// Send encodes the payload as a protocol server message and writes it to the
// connection. Any write failure is reported as ErrUnreachable.
func (c *RealChannel) Send(msgType string, payload any) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", msgType, err)
	}
	if err := c.sender.SendMessage(c.id, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// HandlerFunc receives the events addressed to a synthetic participant.
type HandlerFunc func(msgType string, payload any)

// SyntheticChannel is a Channel with no transport. Events are handed to the
// handler in the caller's goroutine, so the handler must not block.
type SyntheticChannel struct {
	id      string
	handler HandlerFunc
}

// NewSynthetic returns a synthetic channel for the given filler id.
func NewSynthetic(id string, handler HandlerFunc) *SyntheticChannel {
	return &SyntheticChannel{id: id, handler: handler}
}

func (c *SyntheticChannel) ParticipantID() string { return c.id }

func (c *SyntheticChannel) Synthetic() bool { return true }

// Send never fails.
func (c *SyntheticChannel) Send(msgType string, payload any) error {
	if c.handler != nil {
		c.handler(msgType, payload)
	}
	return nil
}
