// Package gateway defines the interface to the external telephony/messaging
// provider. Provider wire formats, signature verification, and response
// document generation live outside this module; events arrive here already
// normalized.
package gateway

import (
	"context"

	"github.com/sns45/better-call-claude/internal/convo"
)

// EventType identifies a normalized inbound gateway event.
type EventType string

const (
	// EventCallStarted signals a new live voice call.
	EventCallStarted EventType = "call-started"
	// EventCallEnded signals the counterpart disconnected.
	EventCallEnded EventType = "call-ended"
	// EventMessage carries user content: a voice transcription segment or
	// an SMS/WhatsApp body.
	EventMessage EventType = "message"
)

// Event is a normalized inbound event delivered by the gateway webhook.
type Event struct {
	Type          EventType     `json:"type"`
	Channel       convo.Channel `json:"channel"`
	CorrelationID string        `json:"correlationId"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Content       string        `json:"content"`
}

// Gateway is the outbound surface of the external provider.
type Gateway interface {
	// Speak plays text on the live call identified by correlationID. With
	// waitForReply the provider keeps gathering speech afterwards.
	Speak(ctx context.Context, correlationID, text string, waitForReply bool) error

	// Send delivers a message on a messaging channel and returns the
	// provider-assigned message id.
	Send(ctx context.Context, channel convo.Channel, address, text string) (string, error)

	// Initiate opens a fresh outbound contact (places a call or opens a
	// messaging thread) and returns the provider correlation id.
	Initiate(ctx context.Context, channel convo.Channel, address string) (string, error)
}
