package convo

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Resolution reports which waiter, if any, consumed a user message appended
// via AddMessage. The dispatch policy branches on this.
type Resolution int

const (
	// ResolvedNone means no waiter consumed the message.
	ResolvedNone Resolution = iota
	// ResolvedResponse means a pending response-wait on the conversation
	// was satisfied with the message content.
	ResolvedResponse
	// ResolvedInbound means a pending inbound-wait was satisfied with the
	// conversation itself.
	ResolvedInbound
)

// inboundWaiter is one registered wait-for-inbound. The channel filter is
// empty for "any channel". The result channel is buffered so the resolver
// never blocks.
type inboundWaiter struct {
	channel Channel
	ch      chan Conversation
}

// Registry owns all conversation records and the pending-wait tables. All
// mutation happens under one mutex; waiter resolution sends on buffered
// channels after mutation completes, so no send ever blocks under the lock.
type Registry struct {
	out     io.Writer
	onEnded func(Conversation)

	mu            sync.Mutex
	conversations map[string]*Conversation
	responseWaits map[string]chan string // conversation id → one-shot result
	inboundWaits  map[string]*inboundWaiter
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Out     io.Writer          // defaults to os.Stdout
	OnEnded func(Conversation) // optional; invoked after a conversation ends
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts RegistryOpts) *Registry {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Registry{
		out:           out,
		onEnded:       opts.OnEnded,
		conversations: make(map[string]*Conversation),
		responseWaits: make(map[string]chan string),
		inboundWaits:  make(map[string]*inboundWaiter),
	}
}

// Create inserts a new conversation record. Initial state is ringing for
// voice and active otherwise. An empty id is replaced with a random one.
func (r *Registry) Create(id string, channel Channel, direction Direction, correlationID, from, to string) (Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	state := StateActive
	if channel == ChannelVoice {
		state = StateRinging
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conversations[id]; exists {
		return Conversation{}, fmt.Errorf("convo: conversation %s already exists", id)
	}
	c := &Conversation{
		ID:            id,
		Channel:       channel,
		Direction:     direction,
		State:         state,
		StartedAt:     time.Now(),
		CorrelationID: correlationID,
		From:          from,
		To:            to,
	}
	r.conversations[id] = c
	fmt.Fprintf(r.out, "convo: created %s [channel=%s dir=%s corr=%s]\n", id, channel, direction, correlationID)
	return snapshot(c), nil
}

// FindByCorrelation returns the non-ended conversation with the given
// gateway correlation id. Used as a duplicate-creation guard: webhook
// delivery is at-least-once, so a "start" event may arrive twice.
func (r *Registry) FindByCorrelation(correlationID string) (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conversations {
		if c.CorrelationID == correlationID && c.State != StateEnded {
			return snapshot(c), true
		}
	}
	return Conversation{}, false
}

// FindByAddress returns the non-ended conversation on the given channel with
// the given counterpart address.
func (r *Registry) FindByAddress(channel Channel, address string) (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conversations {
		if c.Channel == channel && c.From == address && c.State != StateEnded {
			return snapshot(c), true
		}
	}
	return Conversation{}, false
}

// FindOrCreate reuses an existing non-ended conversation on the same channel
// with the same counterpart address, or creates one. This keeps messaging
// threads continuous per sender without cross-sender collision.
func (r *Registry) FindOrCreate(channel Channel, correlationID, from, to string) (Conversation, bool, error) {
	r.mu.Lock()
	for _, c := range r.conversations {
		if c.Channel == channel && c.From == from && c.State != StateEnded {
			s := snapshot(c)
			r.mu.Unlock()
			return s, false, nil
		}
	}
	r.mu.Unlock()

	c, err := r.Create("", channel, DirectionInbound, correlationID, from, to)
	if err != nil {
		return Conversation{}, false, err
	}
	return c, true, nil
}

// Get returns a copy of the conversation with the given id.
func (r *Registry) Get(id string) (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return snapshot(c), true
}

// History returns a copy of the conversation's ordered message list.
func (r *Registry) History(id string) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, fmt.Errorf("convo: unknown conversation %s", id)
	}
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return msgs, nil
}

// AddMessage appends a message to the conversation. For user messages it
// resolves a pending response-wait on this id if one exists; otherwise, for
// inbound conversations, it moves the state to pending_response and tries to
// satisfy one compatible inbound-wait. The returned Resolution tells the
// caller which of those happened.
func (r *Registry) AddMessage(id, role, content string) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok {
		return ResolvedNone, fmt.Errorf("convo: unknown conversation %s", id)
	}
	if c.State == StateEnded {
		return ResolvedNone, fmt.Errorf("convo: conversation %s has ended", id)
	}

	c.Messages = append(c.Messages, Message{Role: role, Content: content, Timestamp: time.Now()})
	if role != "user" {
		return ResolvedNone, nil
	}

	// A blocked response-wait takes the message.
	if ch, waiting := r.responseWaits[id]; waiting {
		delete(r.responseWaits, id)
		ch <- content
		if c.State == StatePendingResponse {
			c.State = StateActive
		}
		return ResolvedResponse, nil
	}

	if c.Direction != DirectionInbound {
		return ResolvedNone, nil
	}

	c.State = StatePendingResponse

	// First-compatible inbound-wait match. Normal use has at most one
	// outstanding inbound-wait, so no ordering is imposed.
	for wid, w := range r.inboundWaits {
		if w.channel != "" && w.channel != c.Channel {
			continue
		}
		delete(r.inboundWaits, wid)
		c.State = StateActive
		w.ch <- snapshot(c)
		return ResolvedInbound, nil
	}

	return ResolvedNone, nil
}

// WaitForInbound blocks until a conversation with a pending user message
// arrives on a matching channel, or the timeout expires. A conversation
// already in pending_response is returned immediately. Returns nil on
// timeout, which is a normal terminal value, not an error.
func (r *Registry) WaitForInbound(timeout time.Duration, channelFilter Channel) *Conversation {
	r.mu.Lock()
	for _, c := range r.conversations {
		if c.State != StatePendingResponse || c.Direction != DirectionInbound {
			continue
		}
		if channelFilter != "" && channelFilter != c.Channel {
			continue
		}
		c.State = StateActive
		s := snapshot(c)
		r.mu.Unlock()
		return &s
	}

	wid := uuid.NewString()
	w := &inboundWaiter{channel: channelFilter, ch: make(chan Conversation, 1)}
	r.inboundWaits[wid] = w
	r.mu.Unlock()

	select {
	case c := <-w.ch:
		return &c
	case <-time.After(timeout):
		r.mu.Lock()
		if _, still := r.inboundWaits[wid]; still {
			delete(r.inboundWaits, wid)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
		// A resolver claimed the waiter between the timer firing and the
		// lock acquisition; the result is already in the buffered channel.
		c := <-w.ch
		return &c
	}
}

// WaitForResponse blocks until the next user message on the conversation, or
// the timeout expires. If the latest message is already role=user it returns
// immediately without suspending. At most one response-wait exists per
// conversation: a second registration replaces the first, which resolves
// empty rather than stranding its caller. Returns ("", false) on timeout.
func (r *Registry) WaitForResponse(id string, timeout time.Duration) (string, bool) {
	r.mu.Lock()
	c, ok := r.conversations[id]
	if !ok {
		r.mu.Unlock()
		log.Printf("convo: wait for response on unknown conversation %s", id)
		return "", false
	}
	if last := c.LatestMessage(); last != nil && last.Role == "user" && c.State != StateEnded {
		content := last.Content
		if c.State == StatePendingResponse {
			c.State = StateActive
		}
		r.mu.Unlock()
		return content, true
	}

	if prev, exists := r.responseWaits[id]; exists {
		close(prev)
	}
	ch := make(chan string, 1)
	r.responseWaits[id] = ch
	r.mu.Unlock()

	select {
	case msg, open := <-ch:
		if !open {
			return "", false
		}
		return msg, true
	case <-time.After(timeout):
		r.mu.Lock()
		if cur, exists := r.responseWaits[id]; exists && cur == ch {
			delete(r.responseWaits, id)
			r.mu.Unlock()
			return "", false
		}
		r.mu.Unlock()
		select {
		case msg, open := <-ch:
			if !open {
				return "", false
			}
			return msg, true
		default:
			return "", false
		}
	}
}

// UpdateState sets the conversation state. Unknown ids are a tolerated no-op:
// webhook delivery is at-least-once and races with registry population are
// expected. Transitions on an ended conversation are ignored. Transitioning
// to ended sets the end time and invokes the OnEnded hook.
func (r *Registry) UpdateState(id string, state State) {
	r.mu.Lock()
	c, ok := r.conversations[id]
	if !ok {
		r.mu.Unlock()
		log.Printf("convo: update state on unknown conversation %s (ignored)", id)
		return
	}
	if c.State == StateEnded {
		r.mu.Unlock()
		return
	}
	c.State = state
	var ended *Conversation
	if state == StateEnded {
		now := time.Now()
		c.EndedAt = &now
		s := snapshot(c)
		ended = &s
	}
	r.mu.Unlock()

	if ended != nil {
		fmt.Fprintf(r.out, "convo: ended %s [channel=%s msgs=%d]\n", id, ended.Channel, len(ended.Messages))
		if r.onEnded != nil {
			r.onEnded(*ended)
		}
	}
}

// Sweep discards ended conversations older than retention. Returns the
// number removed.
func (r *Registry) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, c := range r.conversations {
		if c.State == StateEnded && c.EndedAt != nil && c.EndedAt.Before(cutoff) {
			delete(r.conversations, id)
			removed++
		}
	}
	return removed
}

// snapshot returns a deep copy safe to hand outside the lock.
func snapshot(c *Conversation) Conversation {
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return cp
}
