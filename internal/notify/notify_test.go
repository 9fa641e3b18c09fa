package notify

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"

	"github.com/sns45/better-call-claude/internal/worker"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeNotifier struct {
	name  string
	err   error
	posts []string
}

func (n *fakeNotifier) Post(_ context.Context, text string) error {
	if n.err != nil {
		return n.err
	}
	n.posts = append(n.posts, text)
	return nil
}

func (n *fakeNotifier) Name() string { return n.name }

type fakeDiscordSession struct {
	sent    []string
	sendErr error
	closed  bool
}

func (s *fakeDiscordSession) Open() error  { return nil }
func (s *fakeDiscordSession) Close() error { s.closed = true; return nil }

func (s *fakeDiscordSession) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, channelID+": "+content)
	return &discordgo.Message{Content: content}, nil
}

type fakeSlackClient struct {
	channels []string
	postErr  error
}

func (c *fakeSlackClient) PostMessageContext(_ context.Context, channelID string, _ ...slackapi.MsgOption) (string, string, error) {
	if c.postErr != nil {
		return "", "", c.postErr
	}
	c.channels = append(c.channels, channelID)
	return channelID, "ts", nil
}

// ---------------------------------------------------------------------------
// Fanout
// ---------------------------------------------------------------------------

func TestFanout_PostsToAll(t *testing.T) {
	a := &fakeNotifier{name: "a"}
	b := &fakeNotifier{name: "b"}
	f := NewFanout(a, b)

	f.Post(context.Background(), "hello")

	if len(a.posts) != 1 || len(b.posts) != 1 {
		t.Errorf("posts = %d/%d, want 1/1", len(a.posts), len(b.posts))
	}
}

func TestFanout_FailureDoesNotBlockOthers(t *testing.T) {
	broken := &fakeNotifier{name: "broken", err: fmt.Errorf("down")}
	ok := &fakeNotifier{name: "ok"}
	f := NewFanout(broken, ok)

	f.Post(context.Background(), "hello")

	if len(ok.posts) != 1 {
		t.Errorf("healthy notifier got %d posts, want 1", len(ok.posts))
	}
}

func TestFanout_Empty(t *testing.T) {
	NewFanout().Post(context.Background(), "into the void")
}

func TestFanout_TaskTerminal(t *testing.T) {
	cases := []struct {
		name   string
		status worker.Status
		detail string
		want   string
	}{
		{"completed", worker.StatusCompleted, "exited cleanly", "✅ worker t1 completed"},
		{"zombie", worker.StatusFailed, "zombie reaped", "exceeded max runtime"},
		{"failed", worker.StatusFailed, "exit status 1", "❌ worker t1 failed: exit status 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := &fakeNotifier{name: "n"}
			NewFanout(n).TaskTerminal(context.Background(), "t1", tc.status, tc.detail)
			if len(n.posts) != 1 || !strings.Contains(n.posts[0], tc.want) {
				t.Errorf("posts = %v, want contains %q", n.posts, tc.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Discord
// ---------------------------------------------------------------------------

func TestDiscord_Post(t *testing.T) {
	sess := &fakeDiscordSession{}
	d := &Discord{sess: sess, channelID: "chan-1"}

	if err := d.Post(context.Background(), "worker t1 completed"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(sess.sent) != 1 || sess.sent[0] != "chan-1: worker t1 completed" {
		t.Errorf("sent = %v", sess.sent)
	}
}

func TestDiscord_PostError(t *testing.T) {
	sess := &fakeDiscordSession{sendErr: fmt.Errorf("rate limited")}
	d := &Discord{sess: sess, channelID: "chan-1"}
	if err := d.Post(context.Background(), "x"); err == nil {
		t.Error("expected error")
	}
}

func TestDiscord_Close(t *testing.T) {
	sess := &fakeDiscordSession{}
	d := &Discord{sess: sess, channelID: "chan-1"}
	d.Close()
	if !sess.closed {
		t.Error("session not closed")
	}
}

func TestNewDiscord_Validation(t *testing.T) {
	if _, err := NewDiscord("", "chan"); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := NewDiscord("tok", ""); err == nil {
		t.Error("expected error for empty channel")
	}
}

// ---------------------------------------------------------------------------
// Slack
// ---------------------------------------------------------------------------

func TestSlack_Post(t *testing.T) {
	client := &fakeSlackClient{}
	s := &Slack{client: client, channelID: "C123"}

	if err := s.Post(context.Background(), "worker t1 completed"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(client.channels) != 1 || client.channels[0] != "C123" {
		t.Errorf("channels = %v", client.channels)
	}
}

func TestSlack_PostError(t *testing.T) {
	client := &fakeSlackClient{postErr: fmt.Errorf("channel_not_found")}
	s := &Slack{client: client, channelID: "C123"}
	if err := s.Post(context.Background(), "x"); err == nil {
		t.Error("expected error")
	}
}

func TestNewSlack_Validation(t *testing.T) {
	if _, err := NewSlack("", "C123"); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := NewSlack("tok", ""); err == nil {
		t.Error("expected error for empty channel")
	}
}
