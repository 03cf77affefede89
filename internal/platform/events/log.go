package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes each event as a structured log line. It is the
// default sink when no Redis stream is configured.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.log.Info().
		Str("event_id", evt.ID.String()).
		Str("event_type", string(evt.Type)).
		Time("occurred_at", evt.OccurredAt).
		RawJSON("payload", evt.Payload).
		Msg("event")
	return nil
}
