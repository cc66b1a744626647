package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"rsassistant/internal/resilience"
)

// WriterTransport emits command lines on an io.Writer. The default
// daemon wiring points it at stdout, where the external chat bridge
// picks the lines up.
type WriterTransport struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterTransport creates a WriterTransport.
func NewWriterTransport(w io.Writer) *WriterTransport {
	return &WriterTransport{w: w}
}

// Send writes one command line.
func (t *WriterTransport) Send(ctx context.Context, command string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintln(t.w, command); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// GuardedTransport wraps a Transport with a circuit breaker so a down
// bridge fails fast instead of stalling every dispatch tick.
type GuardedTransport struct {
	inner   Transport
	breaker *resilience.CircuitBreaker
}

// NewGuardedTransport creates a GuardedTransport.
func NewGuardedTransport(inner Transport, breaker *resilience.CircuitBreaker) *GuardedTransport {
	return &GuardedTransport{inner: inner, breaker: breaker}
}

// Send delivers the command through the breaker.
func (t *GuardedTransport) Send(ctx context.Context, command string) error {
	return t.breaker.Execute(ctx, func() error {
		return t.inner.Send(ctx, command)
	})
}

// WebhookTransport posts command lines to a bridge endpoint as JSON.
type WebhookTransport struct {
	url    string
	client *http.Client
}

// NewWebhookTransport creates a WebhookTransport.
func NewWebhookTransport(url string) *WebhookTransport {
	return &WebhookTransport{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one command line.
func (t *WebhookTransport) Send(ctx context.Context, command string) error {
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bridge returned status %d", resp.StatusCode)
	}
	return nil
}
