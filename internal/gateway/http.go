package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sns45/better-call-claude/internal/convo"
)

// HTTPGateway talks to an external gateway adapter process over HTTP. The
// adapter owns everything provider-specific: wire formats, signature
// verification, hold/speak/gather documents. This side only exchanges the
// normalized operations.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway creates an HTTPGateway for the adapter at baseURL.
func NewHTTPGateway(baseURL string) (*HTTPGateway, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Speak plays text on the live call.
func (g *HTTPGateway) Speak(ctx context.Context, correlationID, text string, waitForReply bool) error {
	_, err := g.post(ctx, "/speak", map[string]any{
		"correlation_id": correlationID,
		"text":           text,
		"wait_for_reply": waitForReply,
	})
	return err
}

// Send delivers a message on a messaging channel.
func (g *HTTPGateway) Send(ctx context.Context, channel convo.Channel, address, text string) (string, error) {
	resp, err := g.post(ctx, "/send", map[string]any{
		"channel": channel,
		"address": address,
		"text":    text,
	})
	if err != nil {
		return "", err
	}
	return resp["message_id"], nil
}

// Initiate opens a fresh outbound contact.
func (g *HTTPGateway) Initiate(ctx context.Context, channel convo.Channel, address string) (string, error) {
	resp, err := g.post(ctx, "/initiate", map[string]any{
		"channel": channel,
		"address": address,
	})
	if err != nil {
		return "", err
	}
	return resp["correlation_id"], nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload map[string]any) (map[string]string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("gateway: %s: status %d: %s", path, resp.StatusCode, snippet)
	}

	out := map[string]string{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("gateway: decode %s response: %w", path, err)
	}
	return out, nil
}
