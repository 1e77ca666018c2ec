package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/awm/internal/retry"
)

// SlackAPI is the minimal Slack API surface needed for notifications.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts outcomes to a channel.
type Slack struct {
	api     SlackAPI
	channel string
	retry   retry.Config
	logger  zerolog.Logger
}

// slackRetry only retries rate-limited posts.
var slackRetry = retry.Config{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    5 * time.Second,
	Jitter:      true,
	Retryable:   rateLimited,
}

func rateLimited(err error) bool {
	var rl *slack.RateLimitedError
	return errors.As(err, &rl)
}

// NewSlack creates a Slack notifier posting to channel.
func NewSlack(api SlackAPI, channel string, logger zerolog.Logger) *Slack {
	return &Slack{
		api:     api,
		channel: channel,
		retry:   slackRetry,
		logger:  logger.With().Str("component", "notify.slack").Logger(),
	}
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, o Outcome) error {
	channel := s.channel
	if o.Channel != "" {
		channel = o.Channel
	}

	var ts string
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		_, ts, err = s.api.PostMessageContext(ctx, channel,
			slack.MsgOptionText(Format(o), false),
			slack.MsgOptionBlocks(Blocks(o)...),
			slack.MsgOptionDisableLinkUnfurl(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("posting slack notification: %w", err)
	}
	s.logger.Debug().
		Str("channel", channel).
		Str("ts", ts).
		Str("session_id", o.Session.ID).
		Msg("notification sent")
	return nil
}
