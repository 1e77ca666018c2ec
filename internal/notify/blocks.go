package notify

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/awm/internal/project"
)

// Blocks renders an outcome as Block Kit: the mrkdwn body from Format plus
// a context line identifying the session.
func Blocks(o Outcome) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, Format(o), false, false),
			nil, nil,
		),
	}

	label := fmt.Sprintf("Session `%s` · project `%s` · %s", o.Session.ID, o.ProjectID, o.Session.Status)
	if o.Session.Status == project.SessionFailed {
		label = ":warning: " + label
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, label, false, false),
	))
	return blocks
}
