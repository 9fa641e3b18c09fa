package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts notifications to one Slack channel.
type Slack struct {
	client    slackClient
	channelID string
}

// NewSlack creates a Slack notifier.
func NewSlack(botToken, channelID string) (*Slack, error) {
	if botToken == "" {
		return nil, fmt.Errorf("notify: slack: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("notify: slack: channel id is required")
	}
	return &Slack{
		client:    slackapi.New(botToken),
		channelID: channelID,
	}, nil
}

// Name identifies this notifier in log lines.
func (s *Slack) Name() string { return "slack" }

// Post sends text to the configured channel.
func (s *Slack) Post(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slackapi.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}
