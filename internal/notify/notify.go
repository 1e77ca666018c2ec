// Package notify reports finished work sessions.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/awm/internal/config"
	"github.com/p-blackswan/awm/internal/project"
)

const maxOutcomeChars = 800

// Outcome describes a session that reached a terminal state.
type Outcome struct {
	ProjectID   string
	ProjectName string
	Repository  string
	Channel     string // optional destination override
	Session     project.WorkSession
}

// Notifier delivers outcomes somewhere a human will see them.
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}

// New returns a Slack notifier when a bot token and channel are configured,
// and a log notifier otherwise.
func New(cfg *config.Config, logger zerolog.Logger) Notifier {
	if cfg.SlackEnabled() {
		return NewSlack(slack.New(cfg.SlackBotToken), cfg.SlackChannel, logger)
	}
	return NewLog(logger)
}

// Format renders an outcome as Slack mrkdwn.
func Format(o Outcome) string {
	completed := o.Session.Status == project.SessionCompleted

	var b strings.Builder
	if completed {
		b.WriteString(":white_check_mark: *AWM Work Session Complete*\n\n")
	} else {
		b.WriteString(":x: *AWM Work Session Failed*\n\n")
	}
	b.WriteString(fmt.Sprintf("*Project:* %s\n", o.ProjectName))

	var durationMs int64
	if o.Session.Duration != nil {
		durationMs = *o.Session.Duration
	}
	b.WriteString(fmt.Sprintf("*Duration:* %.1f minutes\n", float64(durationMs)/60000))

	if o.Session.SessionKey != "" {
		b.WriteString(fmt.Sprintf("*Session:* `%s`\n", o.Session.SessionKey))
	}

	if completed {
		if o.Session.Summary != "" {
			b.WriteString(fmt.Sprintf("\n*Summary:*\n%s\n", o.Session.Summary))
		}
		if o.Session.Outcome != "" {
			out, cut := project.Truncate(o.Session.Outcome, maxOutcomeChars)
			if cut {
				out += "..."
			}
			b.WriteString(fmt.Sprintf("\n*Outcome:*\n%s\n", out))
		}
	} else if o.Session.Error != "" {
		b.WriteString(fmt.Sprintf("\n*Error:* %s\n", o.Session.Error))
	}

	if o.Repository != "" {
		b.WriteString(fmt.Sprintf("\n*Repository:* %s", o.Repository))
	}
	return b.String()
}
