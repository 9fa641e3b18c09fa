// Package notify posts worker lifecycle events to operator chat channels.
// Delivery is best-effort: failures are logged, never returned to callers.
package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/sns45/better-call-claude/internal/worker"
)

// Notifier posts one text message to an operator channel.
type Notifier interface {
	Post(ctx context.Context, text string) error
	Name() string
}

// Fanout posts to every configured notifier.
type Fanout struct {
	notifiers []Notifier
}

// NewFanout creates a Fanout over the given notifiers. A nil or empty list
// is valid and makes every post a no-op.
func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Post delivers text to all notifiers, logging failures.
func (f *Fanout) Post(ctx context.Context, text string) {
	for _, n := range f.notifiers {
		if err := n.Post(ctx, text); err != nil {
			log.Printf("notify: %s: %v", n.Name(), err)
		}
	}
}

// TaskTerminal posts the message for a worker reaching a terminal status.
func (f *Fanout) TaskTerminal(ctx context.Context, taskID string, status worker.Status, detail string) {
	var text string
	switch {
	case status == worker.StatusCompleted:
		text = fmt.Sprintf("✅ worker %s completed", taskID)
	case detail == "zombie reaped":
		text = fmt.Sprintf("🧟 worker %s exceeded max runtime and was reaped", taskID)
	default:
		text = fmt.Sprintf("❌ worker %s failed: %s", taskID, detail)
	}
	f.Post(ctx, text)
}
