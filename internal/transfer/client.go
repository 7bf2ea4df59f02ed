package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/estatereel/renderd/internal/logging"
)

// maxDownloadBytes caps a single download held in memory.
const maxDownloadBytes = 2 << 30

// Descriptor identifies one transfer.
type Descriptor struct {
	URL          string
	Header       http.Header
	ContentType  string
	ExpectedSize int64              // zero means unknown; Content-Length is used when present
	Validate     func([]byte) error // optional content check on downloaded bytes
}

// Client performs retried HTTP downloads and uploads.
type Client struct {
	httpClient *http.Client
	retrier    *Retrier
	logger     *slog.Logger
}

// NewClient creates a Client. A nil httpClient gets a default client; the
// per-attempt timeout comes from the policy.
func NewClient(httpClient *http.Client, policy Policy, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger = logging.OrDiscard(logger)
	return &Client{
		httpClient: httpClient,
		retrier:    NewRetrier(policy, logger),
		logger:     logger,
	}
}

// Retrier exposes the client's retrier so callers can retry their own
// requests under the same policy.
func (c *Client) Retrier() *Retrier {
	return c.retrier
}

// Download fetches d.URL and returns the body. A body whose length differs
// from the expected size, or that fails d.Validate, is retried.
func (c *Client) Download(ctx context.Context, d Descriptor) ([]byte, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("download: %w: empty url", ErrInvalidTarget)
	}

	var data []byte
	err := c.retrier.Do(ctx, "download", func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
		if err != nil {
			return fmt.Errorf("create request: %w: %v", ErrInvalidTarget, err)
		}
		copyHeader(req.Header, d.Header)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := CheckResponse(resp); err != nil {
			return err
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
		if err != nil {
			return err
		}

		expected := d.ExpectedSize
		if expected <= 0 && resp.ContentLength >= 0 {
			expected = resp.ContentLength
		}
		if expected > 0 && int64(len(body)) != expected {
			return &SizeError{Expected: expected, Got: int64(len(body))}
		}
		if d.Validate != nil {
			if err := d.Validate(body); err != nil {
				return &ValidationError{Err: err}
			}
		}

		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("download complete", "url", logging.SanitizeURL(d.URL), "bytes", len(data))
	return data, nil
}

// Upload PUTs body to d.URL.
func (c *Client) Upload(ctx context.Context, d Descriptor, body []byte) error {
	if d.URL == "" {
		return fmt.Errorf("upload: %w: empty url", ErrInvalidTarget)
	}
	if d.ExpectedSize > 0 && int64(len(body)) != d.ExpectedSize {
		return fmt.Errorf("upload: %w: body is %d bytes, expected %d", ErrInvalidTarget, len(body), d.ExpectedSize)
	}

	err := c.retrier.Do(ctx, "upload", func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w: %v", ErrInvalidTarget, err)
		}
		copyHeader(req.Header, d.Header)
		if d.ContentType != "" {
			req.Header.Set("Content-Type", d.ContentType)
		}
		req.ContentLength = int64(len(body))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := CheckResponse(resp); err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Debug("upload complete", "url", logging.SanitizeURL(d.URL), "bytes", len(body))
	return nil
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
