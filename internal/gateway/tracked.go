package gateway

import (
	"context"

	"github.com/whisper/video-chat/internal/channel"
	"github.com/whisper/video-chat/internal/protocol"
)

// tracked is a real channel that mirrors delivered lifecycle events into the
// presence store.
type tracked struct {
	channel.Channel
	g *Gateway
}

func (c *tracked) Send(msgType string, payload any) error {
	if err := c.Channel.Send(msgType, payload); err != nil {
		return err
	}
	if c.g.presence == nil {
		return nil
	}

	id := c.ParticipantID()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch msgType {
	case protocol.TypeMatchFound:
		mf, _ := payload.(protocol.MatchFoundMsg)
		err = c.g.presence.MarkPaired(ctx, id, mf.SessionID)
	case protocol.TypePeerDisconnected, protocol.TypeSessionEnded, protocol.TypeSearchExpired:
		err = c.g.presence.MarkIdle(ctx, id)
	}
	if err != nil {
		c.g.logger.Debug().Err(err).Str("participant", id).Str("type", msgType).Msg("presence update failed")
	}
	return nil
}
