// Package bridge ties the conversation registry, worker manager, chat queue,
// and gateway together. It applies the inbound dispatch policy to every
// gateway event and exposes the synchronous-looking operations backed by the
// registry's rendezvous primitives.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sns45/better-call-claude/internal/chat"
	"github.com/sns45/better-call-claude/internal/convo"
	"github.com/sns45/better-call-claude/internal/gateway"
	"github.com/sns45/better-call-claude/internal/worker"
)

// NoResponseFallback is returned in place of a reply when a wait times out.
// Timeout is a normal terminal value: callers branch on this text, they do
// not receive an error.
const NoResponseFallback = "no response - proceed with defaults"

// Default wait deadlines for the tool-call surface.
const (
	DefaultAskTimeout     = 60 * time.Second
	DefaultReceiveTimeout = 120 * time.Second
)

// Bridge owns the dispatch policy and the operation surface.
type Bridge struct {
	registry *convo.Registry
	workers  *worker.Manager
	chat     *chat.Queue // optional; nil disables the always-on queue
	gw       gateway.Gateway
	workDir  string // default working directory for one-shot workers
	baseURL  string
	out      io.Writer
}

// Opts holds parameters for creating a Bridge.
type Opts struct {
	Registry *convo.Registry
	Workers  *worker.Manager
	Chat     *chat.Queue // optional
	Gateway  gateway.Gateway
	WorkDir  string
	BaseURL  string
	Out      io.Writer // defaults to os.Stdout
}

// New creates a Bridge.
func New(opts Opts) (*Bridge, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}
	if opts.Workers == nil {
		return nil, fmt.Errorf("bridge: worker manager is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("bridge: gateway is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Bridge{
		registry: opts.Registry,
		workers:  opts.Workers,
		chat:     opts.Chat,
		gw:       opts.Gateway,
		workDir:  opts.WorkDir,
		baseURL:  opts.BaseURL,
		out:      out,
	}, nil
}

// HandleEvent processes one normalized gateway event. Webhook delivery is
// at-least-once: duplicates and events referencing unknown conversations are
// logged and ignored, never fatal.
func (b *Bridge) HandleEvent(ctx context.Context, ev gateway.Event) {
	switch ev.Type {
	case gateway.EventCallStarted:
		b.handleCallStarted(ev)
	case gateway.EventCallEnded:
		b.handleCallEnded(ev)
	case gateway.EventMessage:
		b.handleMessage(ctx, ev)
	default:
		log.Printf("bridge: unknown event type %q (ignored)", ev.Type)
	}
}

func (b *Bridge) handleCallStarted(ev gateway.Event) {
	if existing, ok := b.registry.FindByCorrelation(ev.CorrelationID); ok {
		// Duplicate delivery of the start event.
		fmt.Fprintf(b.out, "bridge: duplicate call-started for %s (conversation %s)\n", ev.CorrelationID, existing.ID)
		return
	}
	c, err := b.registry.Create("", convo.ChannelVoice, convo.DirectionInbound, ev.CorrelationID, ev.From, ev.To)
	if err != nil {
		log.Printf("bridge: create voice conversation: %v", err)
		return
	}
	b.registry.UpdateState(c.ID, convo.StateActive)

	// A voice call starting is the one external signal that resets the
	// always-on chat session.
	if b.chat != nil {
		b.chat.ResetForVoiceCall()
	}
}

func (b *Bridge) handleCallEnded(ev gateway.Event) {
	c, ok := b.registry.FindByCorrelation(ev.CorrelationID)
	if !ok {
		log.Printf("bridge: call-ended for unknown correlation %s (ignored)", ev.CorrelationID)
		return
	}
	b.registry.UpdateState(c.ID, convo.StateEnded)
}

// handleMessage applies the inbound dispatch policy in strict order:
//  1. a blocked wait-for-inbound or wait-for-response consumes the message
//  2. a worker already running against this conversation owns it → drop
//  3. hand off to the chat queue when configured
//  4. spawn a one-shot worker seeded with the latest cross-channel context
//
// Cases 1 and 2 are decided inside Registry.AddMessage, which resolves
// waiters atomically with the append; the returned Resolution tells us
// which path was taken.
func (b *Bridge) handleMessage(ctx context.Context, ev gateway.Event) {
	c, ok := b.resolveConversation(ev)
	if !ok {
		return
	}

	res, err := b.registry.AddMessage(c.ID, "user", ev.Content)
	if err != nil {
		log.Printf("bridge: add message: %v", err)
		return
	}

	switch res {
	case convo.ResolvedInbound:
		fmt.Fprintf(b.out, "bridge: %s → satisfied inbound wait\n", c.ID)
		return
	case convo.ResolvedResponse:
		fmt.Fprintf(b.out, "bridge: %s → satisfied response wait\n", c.ID)
		return
	}

	if b.workers.IsRunning(c.ID) {
		// The running worker owns this conversation; no duplicate spawn.
		fmt.Fprintf(b.out, "bridge: %s → dropped (worker already running)\n", c.ID)
		return
	}

	if b.chat != nil {
		fmt.Fprintf(b.out, "bridge: %s → chat queue\n", c.ID)
		b.chat.HandleMessage(ctx, ev.Content)
		return
	}

	fmt.Fprintf(b.out, "bridge: %s → one-shot worker\n", c.ID)
	b.spawnOneShot(ctx, c, ev.Content)
}

// resolveConversation maps an event to its conversation record: voice events
// by correlation id, messaging events by (channel, sender) with creation.
func (b *Bridge) resolveConversation(ev gateway.Event) (convo.Conversation, bool) {
	if ev.Channel == convo.ChannelVoice {
		c, ok := b.registry.FindByCorrelation(ev.CorrelationID)
		if !ok {
			log.Printf("bridge: message for unknown voice correlation %s (ignored)", ev.CorrelationID)
		}
		return c, ok
	}
	c, _, err := b.registry.FindOrCreate(ev.Channel, ev.CorrelationID, ev.From, ev.To)
	if err != nil {
		log.Printf("bridge: find or create conversation: %v", err)
		return convo.Conversation{}, false
	}
	return c, true
}

// spawnOneShot launches one worker for an unclaimed inbound message, keyed
// by the conversation id so the policy's duplicate check holds. The prompt
// is seeded with the most recently completed cross-channel context, and the
// new task is linked back to it for follow-up context lookups.
func (b *Bridge) spawnOneShot(ctx context.Context, c convo.Conversation, content string) {
	workDir := b.workDir
	var prior string
	if prev, ok := b.workers.GetLatestContext(); ok {
		prior = prev.Summary
		if prev.WorkDir != "" {
			workDir = prev.WorkDir
		}
		b.workers.LinkCallback(c.ID, prev.TaskID)
	}

	prompt := b.buildOneShotPrompt(c, content, prior, workDir)
	if err := b.workers.Spawn(ctx, c.ID, prompt, workDir, "", nil); err != nil {
		log.Printf("bridge: spawn one-shot worker: %v", err)
	}
}

func (b *Bridge) buildOneShotPrompt(c convo.Conversation, content, prior, workDir string) string {
	var sb strings.Builder
	if prior != "" {
		fmt.Fprintf(&sb, "Recently completed task:\n%s\n\n", prior)
	}
	fmt.Fprintf(&sb, "New %s message from %s:\n%s\n\n", c.Channel, c.From, content)
	if workDir != "" {
		fmt.Fprintf(&sb, "Work in directory %s.\n", workDir)
	}
	fmt.Fprintf(&sb, "The conversation id is %s.\n", c.ID)
	fmt.Fprintf(&sb, "Use the call-back surface at %s: POST /worker/ask to ask and wait for an answer, "+
		"POST /worker/say to speak without waiting, POST /worker/send to message on sms/whatsapp, "+
		"POST /worker/complete with a summary when you are done.\n", b.baseURL)
	return sb.String()
}

// ContactResult is the structured result of an initiate/continue operation.
type ContactResult struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// InitiateContact opens an outbound conversation on the given channel,
// delivers the opening text, and optionally blocks for the first reply.
func (b *Bridge) InitiateContact(ctx context.Context, channel convo.Channel, address, text string, wait bool, timeout time.Duration) (ContactResult, error) {
	corr, err := b.gw.Initiate(ctx, channel, address)
	if err != nil {
		return ContactResult{}, fmt.Errorf("bridge: initiate contact: %w", err)
	}
	c, err := b.registry.Create("", channel, convo.DirectionOutbound, corr, address, "")
	if err != nil {
		return ContactResult{}, err
	}
	if channel == convo.ChannelVoice {
		b.registry.UpdateState(c.ID, convo.StateActive)
	}

	result := ContactResult{ConversationID: c.ID}
	if channel == convo.ChannelVoice {
		if err := b.gw.Speak(ctx, corr, text, wait); err != nil {
			b.registry.UpdateState(c.ID, convo.StateEnded)
			return result, fmt.Errorf("bridge: speak on new call: %w", err)
		}
	} else {
		msgID, err := b.gw.Send(ctx, channel, address, text)
		if err != nil {
			b.registry.UpdateState(c.ID, convo.StateEnded)
			return result, fmt.Errorf("bridge: send on new thread: %w", err)
		}
		result.MessageID = msgID
	}
	b.recordAssistant(c, text)

	if !wait {
		return result, nil
	}
	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}
	reply, ok := b.registry.WaitForResponse(c.ID, timeout)
	if !ok {
		reply = NoResponseFallback
	}
	result.Reply = reply
	return result, nil
}

// ContinueConversation delivers text on an existing conversation and blocks
// until the next user message or the timeout. This is the "ask" operation
// on the worker call-back surface.
func (b *Bridge) ContinueConversation(ctx context.Context, id, text string, timeout time.Duration) (string, error) {
	if err := b.deliver(ctx, id, text, true); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}
	reply, ok := b.registry.WaitForResponse(id, timeout)
	if !ok {
		return NoResponseFallback, nil
	}
	return reply, nil
}

// SpeakWithoutWaiting delivers text on an existing conversation without
// registering a wait. This is the "say" operation.
func (b *Bridge) SpeakWithoutWaiting(ctx context.Context, id, text string) error {
	return b.deliver(ctx, id, text, false)
}

// ReplyToConversation delivers a worker's reply on the conversation's
// channel. This is the endpoint the chat-queue prompt names.
func (b *Bridge) ReplyToConversation(ctx context.Context, id, text string) error {
	return b.deliver(ctx, id, text, false)
}

// deliver sends text on the conversation's channel and records it as an
// assistant message. A gateway failure means the counterpart is gone: the
// conversation is transitioned to ended and the error is returned for the
// caller to take an alternate path.
func (b *Bridge) deliver(ctx context.Context, id, text string, waitForReply bool) error {
	c, ok := b.registry.Get(id)
	if !ok {
		return fmt.Errorf("bridge: unknown conversation %s", id)
	}
	if c.State == convo.StateEnded {
		return fmt.Errorf("bridge: conversation %s has ended", id)
	}

	var err error
	if c.Channel == convo.ChannelVoice {
		err = b.gw.Speak(ctx, c.CorrelationID, text, waitForReply)
	} else {
		_, err = b.gw.Send(ctx, c.Channel, c.From, text)
	}
	if err != nil {
		b.registry.UpdateState(id, convo.StateEnded)
		return fmt.Errorf("bridge: deliver on %s: %w", id, err)
	}

	b.recordAssistant(c, text)
	return nil
}

// recordAssistant appends the assistant message to the registry and mirrors
// it into the chat queue's history when the conversation is the queue's.
func (b *Bridge) recordAssistant(c convo.Conversation, text string) {
	if _, err := b.registry.AddMessage(c.ID, "assistant", text); err != nil {
		log.Printf("bridge: record assistant message: %v", err)
	}
	if b.chat != nil && c.Channel == b.chat.Channel() && c.From == b.chat.Address() {
		b.chat.RecordAssistantMessage(text)
	}
}

// EndConversation transitions the conversation to ended.
func (b *Bridge) EndConversation(id string) {
	b.registry.UpdateState(id, convo.StateEnded)
}

// InboundResult pairs a conversation with the message that made it pending.
type InboundResult struct {
	ConversationID string        `json:"conversation_id"`
	Channel        convo.Channel `json:"channel"`
	From           string        `json:"from"`
	Content        string        `json:"content"`
}

// ReceiveInbound blocks until the next inbound conversation with a pending
// user message, optionally filtered by channel. Returns nil on timeout.
func (b *Bridge) ReceiveInbound(timeout time.Duration, channelFilter convo.Channel) *InboundResult {
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	c := b.registry.WaitForInbound(timeout, channelFilter)
	if c == nil {
		return nil
	}
	res := &InboundResult{ConversationID: c.ID, Channel: c.Channel, From: c.From}
	if last := c.LatestMessage(); last != nil {
		res.Content = last.Content
	}
	return res
}

// SendOnChannel delivers a message on a messaging channel, creating an
// outbound conversation when none exists for the counterpart.
func (b *Bridge) SendOnChannel(ctx context.Context, channel convo.Channel, address, text string) (ContactResult, error) {
	if channel == convo.ChannelVoice {
		return ContactResult{}, fmt.Errorf("bridge: send-on-channel requires a messaging channel")
	}
	msgID, err := b.gw.Send(ctx, channel, address, text)
	if err != nil {
		return ContactResult{}, fmt.Errorf("bridge: send on %s: %w", channel, err)
	}

	c, ok := b.registry.FindByAddress(channel, address)
	if !ok {
		c, err = b.registry.Create("", channel, convo.DirectionOutbound, "", address, "")
		if err != nil {
			return ContactResult{}, err
		}
	}
	b.recordAssistant(c, text)
	return ContactResult{ConversationID: c.ID, MessageID: msgID}, nil
}

// History returns the conversation's ordered message list.
func (b *Bridge) History(id string) ([]convo.Message, error) {
	return b.registry.History(id)
}

// Complete records a worker's completion summary and hands the result back
// to the user: spoken on a still-live voice channel, or delivered through a
// fresh outbound contact when the call already ended. The summary is also
// parked as voice context on the chat queue so the next chat message can
// pick the work up.
func (b *Bridge) Complete(ctx context.Context, taskID, summary string) error {
	b.workers.RecordCompletion(taskID, summary)

	c, ok := b.registry.Get(taskID)
	if !ok {
		fmt.Fprintf(b.out, "bridge: completion for task %s with no conversation\n", taskID)
		return nil
	}

	if b.chat != nil && c.Channel == convo.ChannelVoice {
		b.chat.SetVoiceContext(summary)
	}

	if c.State != convo.StateEnded {
		if err := b.deliver(ctx, c.ID, summary, false); err == nil {
			return nil
		}
		// deliver marked the conversation ended; fall through to a fresh
		// contact.
	}
	if c.From == "" {
		return fmt.Errorf("bridge: cannot reach counterpart for completed task %s", taskID)
	}
	_, err := b.InitiateContact(ctx, c.Channel, c.From, summary, false, 0)
	if err != nil {
		return fmt.Errorf("bridge: completion fallback contact: %w", err)
	}
	return nil
}

// WaitForNextMessage blocks until the next inbound event on the channel or
// a timeout. Worker call-back surface.
func (b *Bridge) WaitForNextMessage(timeout time.Duration, channel convo.Channel) *InboundResult {
	return b.ReceiveInbound(timeout, channel)
}
