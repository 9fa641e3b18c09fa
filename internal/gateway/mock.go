package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/sns45/better-call-claude/internal/convo"
)

// SpokenLine records one Speak call on the mock.
type SpokenLine struct {
	CorrelationID string
	Text          string
	WaitForReply  bool
}

// SentMessage records one Send call on the mock.
type SentMessage struct {
	Channel convo.Channel
	Address string
	Text    string
}

// MockGateway implements Gateway for testing. It records every outbound
// operation and can be scripted to fail.
type MockGateway struct {
	mu        sync.Mutex
	spoken    []SpokenLine
	sent      []SentMessage
	initiated []string // addresses, in call order

	SpeakErr    error
	SendErr     error
	InitiateErr error

	sendCounter     int
	initiateCounter int
}

// NewMockGateway creates a MockGateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// Speak records the call, or returns the scripted error.
func (g *MockGateway) Speak(_ context.Context, correlationID, text string, waitForReply bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SpeakErr != nil {
		return g.SpeakErr
	}
	g.spoken = append(g.spoken, SpokenLine{CorrelationID: correlationID, Text: text, WaitForReply: waitForReply})
	return nil
}

// Send records the message and returns a synthetic provider message id.
func (g *MockGateway) Send(_ context.Context, channel convo.Channel, address, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SendErr != nil {
		return "", g.SendErr
	}
	g.sent = append(g.sent, SentMessage{Channel: channel, Address: address, Text: text})
	g.sendCounter++
	return fmt.Sprintf("msg-%d", g.sendCounter), nil
}

// Initiate records the contact and returns a synthetic correlation id.
func (g *MockGateway) Initiate(_ context.Context, channel convo.Channel, address string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.InitiateErr != nil {
		return "", g.InitiateErr
	}
	g.initiated = append(g.initiated, address)
	g.initiateCounter++
	return fmt.Sprintf("corr-%d", g.initiateCounter), nil
}

// Spoken returns a copy of the recorded Speak calls.
func (g *MockGateway) Spoken() []SpokenLine {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]SpokenLine, len(g.spoken))
	copy(cp, g.spoken)
	return cp
}

// Sent returns a copy of the recorded Send calls.
func (g *MockGateway) Sent() []SentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]SentMessage, len(g.sent))
	copy(cp, g.sent)
	return cp
}

// Initiated returns a copy of the recorded Initiate addresses.
func (g *MockGateway) Initiated() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]string, len(g.initiated))
	copy(cp, g.initiated)
	return cp
}
