package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultCallbackTimeout = 10 * time.Second

// HTTPSink POSTs the event as JSON to the batch callback URL, once.
type HTTPSink struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSink creates an HTTPSink. A nil client gets a default one.
func NewHTTPSink(client *http.Client, timeout time.Duration) *HTTPSink {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	return &HTTPSink{client: client, timeout: timeout}
}

func (s *HTTPSink) Notify(ctx context.Context, callbackURL string, e Event) error {
	if callbackURL == "" {
		return nil
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Renderd-Event", e.Type)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback %s: %w", e.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback %s: HTTP %d", e.Type, resp.StatusCode)
	}
	return nil
}
