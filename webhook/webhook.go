// Package webhook posts service failure notifications to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event is the JSON payload delivered to the webhook endpoint.
type Event struct {
	ServiceName  string    `json:"service_name"`
	Timestamp    time.Time `json:"timestamp"`
	FailureCount int       `json:"failure_count"`
	LastExitCode int       `json:"last_exit_code"`
	Message      string    `json:"message,omitempty"`
}

// Notifier delivers failure events to a configured URL. A Notifier with an
// empty URL is valid and drops every event.
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier creates a notifier for the given URL (empty disables it).
func NewNotifier(url string) *Notifier {
	return &Notifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a URL is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

// Notify posts the event as JSON. Non-2xx responses are errors.
func (n *Notifier) Notify(ctx context.Context, event Event) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "procwrapper/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
