package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts notifications to one Discord channel.
type Discord struct {
	sess      discordSession
	channelID string
}

// NewDiscord creates a Discord notifier and opens the gateway connection.
func NewDiscord(botToken, channelID string) (*Discord, error) {
	if botToken == "" {
		return nil, fmt.Errorf("notify: discord: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("notify: discord: channel id is required")
	}
	sess, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord: %w", err)
	}
	d := &Discord{sess: sess, channelID: channelID}
	if err := d.sess.Open(); err != nil {
		return nil, fmt.Errorf("notify: discord: open: %w", err)
	}
	return d, nil
}

// Name identifies this notifier in log lines.
func (d *Discord) Name() string { return "discord" }

// Post sends text to the configured channel.
func (d *Discord) Post(_ context.Context, text string) error {
	if _, err := d.sess.ChannelMessageSend(d.channelID, text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Close shuts down the gateway connection.
func (d *Discord) Close() error {
	return d.sess.Close()
}
