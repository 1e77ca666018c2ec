package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/awm/internal/project"
)

// Log writes outcomes to the structured log.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify.log").Logger()}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, o Outcome) error {
	ev := l.logger.Info()
	if o.Session.Status != project.SessionCompleted {
		ev = l.logger.Warn()
	}
	ev = ev.
		Str("project_id", o.ProjectID).
		Str("project", o.ProjectName).
		Str("session_id", o.Session.ID).
		Str("status", string(o.Session.Status)).
		Str("session_key", o.Session.SessionKey)
	if o.Session.Duration != nil {
		ev = ev.Int64("duration_ms", *o.Session.Duration)
	}
	if o.Session.Error != "" {
		ev = ev.Str("error", o.Session.Error)
	}
	if o.Channel != "" {
		ev = ev.Str("channel", o.Channel)
	}
	ev.Msg("work session finished")
	return nil
}
