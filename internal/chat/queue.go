// Package chat gives one long-lived messaging channel serialized,
// history-aware, continuously-resumable conversational semantics.
package chat

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sns45/better-call-claude/internal/convo"
	"github.com/sns45/better-call-claude/internal/worker"
)

// DefaultHistoryMax caps the bounded message history.
const DefaultHistoryMax = 50

// entry is one turn in the session history.
type entry struct {
	role    string // "user" or "assistant"
	content string
}

// Queue wraps the worker Manager to run at most one worker at a time for a
// single chat channel. Messages arriving while a worker is processing are
// queued FIFO and processed in order as workers exit. Continuity is carried
// entirely through textual history injected into each fresh worker
// invocation; worker-native session resumption is deliberately not used
// because overlapping resumption attempts on one session id contend on the
// session lock.
type Queue struct {
	workers    *worker.Manager
	channel    convo.Channel
	address    string
	workDir    string
	baseURL    string
	historyMax int
	out        io.Writer

	mu           sync.Mutex
	sessionID    string
	history      []entry
	pending      []string // FIFO queue of messages awaiting processing
	processing   bool
	activeTask   string // task id of the in-flight worker, if any
	voiceContext string // carried-over cross-channel context block
}

// QueueOpts holds parameters for creating a Queue.
type QueueOpts struct {
	Workers    *worker.Manager
	Channel    convo.Channel // "sms" or "whatsapp"
	Address    string        // counterpart address of the long-lived channel
	WorkDir    string
	BaseURL    string // base URL of the worker call-back surface
	HistoryMax int    // defaults to DefaultHistoryMax
	Out        io.Writer
}

// NewQueue creates a Queue with a fresh session id.
func NewQueue(opts QueueOpts) (*Queue, error) {
	if opts.Workers == nil {
		return nil, fmt.Errorf("chat: queue: worker manager is required")
	}
	if opts.Address == "" {
		return nil, fmt.Errorf("chat: queue: address is required")
	}
	historyMax := opts.HistoryMax
	if historyMax <= 0 {
		historyMax = DefaultHistoryMax
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Queue{
		workers:    opts.Workers,
		channel:    opts.Channel,
		address:    opts.Address,
		workDir:    opts.WorkDir,
		baseURL:    opts.BaseURL,
		historyMax: historyMax,
		out:        out,
		sessionID:  uuid.NewString(),
	}, nil
}

// Channel returns the channel this queue serves.
func (q *Queue) Channel() convo.Channel { return q.channel }

// Address returns the counterpart address this queue serves.
func (q *Queue) Address() string { return q.address }

// SessionID returns the current session id.
func (q *Queue) SessionID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sessionID
}

// Processing reports whether a worker is currently in flight.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// PendingCount returns the number of messages waiting for a worker.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// HistoryLen returns the current history length.
func (q *Queue) HistoryLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.history)
}

// HandleMessage appends the message to history and either starts processing
// immediately or, when a worker is already in flight, enqueues it.
func (q *Queue) HandleMessage(ctx context.Context, text string) {
	q.mu.Lock()
	q.appendLocked("user", text)

	if q.processing {
		q.pending = append(q.pending, text)
		n := len(q.pending)
		q.mu.Unlock()
		fmt.Fprintf(q.out, "chat: queued message (%d pending)\n", n)
		return
	}

	q.processing = true
	prompt, taskID := q.prepareLocked(text)
	q.mu.Unlock()

	q.spawn(ctx, taskID, prompt)
}

// RecordAssistantMessage appends an assistant-role entry. Called by the
// outbound-send path: the worker's reply arrives through the call-back
// surface, not as a spawn return value.
func (q *Queue) RecordAssistantMessage(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appendLocked("assistant", text)
}

// SetVoiceContext stores a context block injected verbatim into the next
// worker prompt. Later calls overwrite; only ResetForVoiceCall clears it.
func (q *Queue) SetVoiceContext(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.voiceContext = text
}

// ResetForVoiceCall clears history, pending queue, processing flag, and
// carried context, and issues a new session id. Safe to call mid-processing:
// an in-flight worker runs to completion, but its exit no longer drives this
// queue and its eventual reply lands in the cleared history.
func (q *Queue) ResetForVoiceCall() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessionID = uuid.NewString()
	q.history = nil
	q.pending = nil
	q.processing = false
	q.activeTask = ""
	q.voiceContext = ""
	fmt.Fprintf(q.out, "chat: session reset for voice call [session=%s]\n", q.sessionID)
}

// appendLocked appends to history and evicts the oldest entries past the cap.
func (q *Queue) appendLocked(role, content string) {
	q.history = append(q.history, entry{role: role, content: content})
	if len(q.history) > q.historyMax {
		q.history = q.history[len(q.history)-q.historyMax:]
	}
}

// prepareLocked builds the worker prompt for text and allocates a task id.
// Caller holds the lock and has set processing=true.
func (q *Queue) prepareLocked(text string) (prompt, taskID string) {
	taskID = "chat-" + q.sessionID[:8] + "-" + uuid.NewString()[:8]
	q.activeTask = taskID
	return q.buildPromptLocked(text), taskID
}

// buildPromptLocked renders the full one-shot prompt: carried voice context,
// prior history as alternating turns (excluding the entry for text itself),
// the new message, and fixed operating instructions.
func (q *Queue) buildPromptLocked(text string) string {
	var b strings.Builder

	if q.voiceContext != "" {
		b.WriteString("Context from a recent voice call:\n")
		b.WriteString(q.voiceContext)
		b.WriteString("\n\n")
	}

	prior := q.historyExcludingLocked(text)
	if len(prior) > 0 {
		b.WriteString("Previous conversation:\n\n")
		for _, e := range prior {
			fmt.Fprintf(&b, "[%s] %s\n", e.role, e.content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "New message from the user:\n%s\n\n", text)

	fmt.Fprintf(&b, "You are handling an ongoing %s conversation with %s.\n", q.channel, q.address)
	if q.workDir != "" {
		fmt.Fprintf(&b, "Work in directory %s.\n", q.workDir)
	}
	fmt.Fprintf(&b, "When you have a reply, POST it as JSON {\"conversation_id\":..., \"text\":...} to %s/worker/reply.\n", q.baseURL)
	fmt.Fprintf(&b, "Your final reply must end with the marker [session:%s].\n", q.sessionID)

	return b.String()
}

// historyExcludingLocked returns the history without the most recent user
// entry whose content equals text (the message being processed). Assistant
// replies may have landed after a queued message, so the exclusion matches
// by content from the end rather than assuming the last slot.
func (q *Queue) historyExcludingLocked(text string) []entry {
	skip := -1
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].role == "user" && q.history[i].content == text {
			skip = i
			break
		}
	}
	out := make([]entry, 0, len(q.history))
	for i, e := range q.history {
		if i == skip {
			continue
		}
		out = append(out, e)
	}
	return out
}

// spawn launches one worker for the prompt. Exactly one worker runs per
// queue at any time; the exit callback drains the pending queue FIFO.
func (q *Queue) spawn(ctx context.Context, taskID, prompt string) {
	err := q.workers.Spawn(ctx, taskID, prompt, q.workDir, "", func(worker.Status) {
		q.onWorkerExit(taskID)
	})
	if err != nil {
		log.Printf("chat: spawn worker: %v", err)
		q.onWorkerExit(taskID)
	}
}

// onWorkerExit clears the processing flag and, if messages queued up while
// the worker ran, immediately begins processing the oldest one. Exits of
// workers orphaned by ResetForVoiceCall are ignored.
func (q *Queue) onWorkerExit(taskID string) {
	q.mu.Lock()
	if q.activeTask != taskID {
		q.mu.Unlock()
		return
	}
	q.activeTask = ""
	q.processing = false

	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.processing = true
	prompt, nextTask := q.prepareLocked(next)
	q.mu.Unlock()

	q.spawn(context.Background(), nextTask, prompt)
}
