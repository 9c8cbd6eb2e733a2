package queue

import (
	"context"

	"github.com/rs/zerolog"
)

// Discard is the Enqueuer used when no Redis is configured: jobs are logged
// and dropped. Notification delivery is best-effort by contract, so a
// single-process deployment without a queue backend stays functional.
type Discard struct {
	log *zerolog.Logger
}

// NewDiscard builds a logging no-op enqueuer.
func NewDiscard(logger *zerolog.Logger) *Discard {
	return &Discard{log: logger}
}

func (d *Discard) Enqueue(_ context.Context, job Job) error {
	d.log.Debug().Str("user_id", job.UserID).Str("type", job.Type).Msg("notification queue disabled, dropping job")
	return nil
}
