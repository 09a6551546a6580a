package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	PriorityUrgent  = "urgent"
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
)

// Message is one ntfy notification.
type Message struct {
	Title    string
	Body     string
	Priority string
	Tags     []string
}

// NtfyClient is a client for sending notifications to an ntfy server.
type NtfyClient struct {
	serverURL  string
	topic      string
	httpClient *http.Client
}

// NewNtfyClient creates a new NtfyClient. An empty serverURL or topic yields
// a client whose Publish is a no-op.
func NewNtfyClient(serverURL, topic string) *NtfyClient {
	return &NtfyClient{
		serverURL:  strings.TrimRight(serverURL, "/"),
		topic:      topic,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Enabled reports whether the client has somewhere to send to.
func (c *NtfyClient) Enabled() bool {
	return c != nil && c.serverURL != "" && c.topic != ""
}

// Send sends a notification with a given priority.
func (c *NtfyClient) Send(ctx context.Context, title, message, priority string) error {
	return c.Publish(ctx, Message{Title: title, Body: message, Priority: priority})
}

// Publish posts msg to the configured topic.
func (c *NtfyClient) Publish(ctx context.Context, msg Message) error {
	if !c.Enabled() {
		return nil
	}
	url := fmt.Sprintf("%s/%s", c.serverURL, c.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(msg.Body))
	if err != nil {
		return err
	}

	req.Header.Set("Title", msg.Title)
	if msg.Priority != "" {
		req.Header.Set("Priority", msg.Priority)
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ntfy request failed: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}
