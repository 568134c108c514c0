package history

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-chat/internal/messaging"
)

const recordTimeout = 5 * time.Second

// Writer persists outcomes. *Store implements it.
type Writer interface {
	Record(ctx context.Context, o messaging.MatchOutcome) error
}

// Recorder consumes match outcomes from NATS and writes them to history.
type Recorder struct {
	w      Writer
	logger zerolog.Logger
}

func NewRecorder(w Writer) *Recorder {
	return &Recorder{w: w, logger: log.With().Str("component", "recorder").Logger()}
}

// Handle is the NATS message handler. Malformed messages are dropped.
func (r *Recorder) Handle(msg *nats.Msg) {
	o, err := messaging.DecodeOutcome(msg)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed outcome")
		return
	}
	if o.SessionID == "" {
		r.logger.Warn().Msg("dropping outcome without session id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.w.Record(ctx, o); err != nil {
		r.logger.Error().Err(err).Str("session", o.SessionID).Msg("failed to record outcome")
		return
	}
	r.logger.Debug().Str("session", o.SessionID).Str("reason", o.Reason).
		Int("duration", o.DurationSeconds).Msg("outcome recorded")
}
