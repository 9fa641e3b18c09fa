// Package convo tracks conversations across telephony and messaging channels
// and provides the rendezvous primitives that bridge webhook-delivered events
// to synchronous-looking callers.
package convo

import "time"

// Channel identifies the transport a conversation runs on.
type Channel string

const (
	ChannelVoice    Channel = "voice"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Direction records who opened the conversation.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// State is the conversation lifecycle state. Ringing only occurs for voice.
// Transitions: ringing → active → pending_response → active (loop) → ended.
// Once ended, no further transition occurs.
type State string

const (
	StateRinging         State = "ringing"
	StateActive          State = "active"
	StatePendingResponse State = "pending_response"
	StateEnded           State = "ended"
)

// Message is a single entry in a conversation's ordered history.
type Message struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Conversation is one tracked exchange on one channel with one counterpart.
// Values handed out by the Registry are copies; mutation happens only inside
// the Registry.
type Conversation struct {
	ID            string
	Channel       Channel
	Direction     Direction
	State         State
	Messages      []Message
	StartedAt     time.Time
	EndedAt       *time.Time
	CorrelationID string // gateway-assigned id tying this to a live call/session
	From          string // counterpart address
	To            string // our address on this channel
}

// LatestMessage returns the most recent message, or nil if there is none.
func (c *Conversation) LatestMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}
