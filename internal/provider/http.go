package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/transfer"
	"github.com/estatereel/renderd/internal/webhook"
)

const (
	DefaultSubmitTimeout = 60 * time.Second
	maxResponseBytes     = 1 << 20
)

// HTTPConfig describes a remote generation API.
type HTTPConfig struct {
	Name          string
	BaseURL       string
	SubmitPath    string
	Token         string
	Format        string // webhook.FormatNative, FormatReplicate or FormatFal
	PublicURL     string // base URL the provider calls back to; empty disables webhooks
	Timeout       time.Duration
	RatePerSecond float64 // zero disables rate limiting
	Burst         int
	Retry         transfer.Policy
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// HTTPStrategy submits jobs to a remote API. Transient failures are retried
// with backoff; 4xx responses and failure statuses are rejections.
type HTTPStrategy struct {
	cfg       HTTPConfig
	submitURL string
	client    *http.Client
	retrier   *transfer.Retrier
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func NewHTTPStrategy(cfg HTTPConfig) (*HTTPStrategy, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("provider %s: invalid base_url %q", cfg.Name, cfg.BaseURL)
	}
	if cfg.Format == "" {
		cfg.Format = webhook.FormatNative
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSubmitTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = transfer.DefaultPolicy()
	}
	cfg.Retry.Timeout = cfg.Timeout
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "provider").With("provider", cfg.Name)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &HTTPStrategy{
		cfg:       cfg,
		submitURL: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.SubmitPath, "/"),
		client:    cfg.HTTPClient,
		retrier:   transfer.NewRetrier(cfg.Retry, logger),
		limiter:   limiter,
		logger:    logger,
	}, nil
}

func (s *HTTPStrategy) Name() string {
	return s.cfg.Name
}

// WebhookURL is the callback address handed to the provider for jobID.
func (s *HTTPStrategy) WebhookURL(jobID string) string {
	if s.cfg.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/webhooks/" + url.PathEscape(s.cfg.Name) +
		"?job_id=" + url.QueryEscape(jobID)
}

func (s *HTTPStrategy) Attempt(ctx context.Context, req Request) (Attempt, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Attempt{}, &Error{Provider: s.cfg.Name, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	body, err := s.submitBody(req)
	if err != nil {
		return Attempt{}, &Error{Provider: s.cfg.Name, Permanent: true, Err: err}
	}
	target := s.submitURL
	if s.cfg.Format == webhook.FormatFal {
		if hook := s.WebhookURL(req.JobID); hook != "" {
			target = appendQuery(target, "fal_webhook", hook)
		}
	}

	var respBody []byte
	err = s.retrier.Do(ctx, "submit:"+s.cfg.Name, func(ctx context.Context, attempt int) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w: %v", transfer.ErrInvalidTarget, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.JobID)
		if s.cfg.Token != "" {
			httpReq.Header.Set("Authorization", s.authScheme()+" "+s.cfg.Token)
		}

		resp, err := s.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := transfer.CheckResponse(resp); err != nil {
			return err
		}
		respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return err
	})
	if err != nil {
		return Attempt{}, &Error{Provider: s.cfg.Name, Permanent: !transfer.IsRetryable(err), Err: err}
	}

	p, err := webhook.Normalize(s.cfg.Format, respBody)
	if err != nil {
		return Attempt{}, &Error{Provider: s.cfg.Name, Permanent: true, Err: fmt.Errorf("decode submit response: %w", err)}
	}

	switch {
	case p.Status == webhook.StatusError:
		msg := p.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		return Attempt{}, &Error{Provider: s.cfg.Name, Permanent: true, CorrelationID: p.CorrelationID, Err: errors.New(msg)}
	case p.Status == webhook.StatusOK && p.Output != nil && p.Output.URL != "":
		s.logger.Info("render finished synchronously", "job_id", req.JobID, "correlation_id", p.CorrelationID)
		return Attempt{Output: p.Output, CorrelationID: p.CorrelationID}, nil
	case p.CorrelationID == "":
		return Attempt{}, &Error{Provider: s.cfg.Name, Permanent: true, Err: errors.New("submit response carries no request id")}
	}

	s.logger.Info("render accepted", "job_id", req.JobID, "correlation_id", p.CorrelationID, "status", p.Status)
	return Attempt{CorrelationID: p.CorrelationID}, nil
}

func (s *HTTPStrategy) authScheme() string {
	if s.cfg.Format == webhook.FormatFal {
		return "Key"
	}
	return "Bearer"
}

type nativeSubmit struct {
	JobID               string          `json:"job_id"`
	BatchID             string          `json:"batch_id"`
	Input               json.RawMessage `json:"input,omitempty"`
	ExpectedDurationSec float64         `json:"expected_duration_sec"`
	WebhookURL          string          `json:"webhook_url,omitempty"`
}

type replicateSubmit struct {
	Input               json.RawMessage `json:"input"`
	Webhook             string          `json:"webhook,omitempty"`
	WebhookEventsFilter []string        `json:"webhook_events_filter,omitempty"`
}

func (s *HTTPStrategy) submitBody(req Request) ([]byte, error) {
	input := req.Payload
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	hook := s.WebhookURL(req.JobID)

	switch s.cfg.Format {
	case webhook.FormatReplicate:
		body := replicateSubmit{Input: input, Webhook: hook}
		if hook != "" {
			body.WebhookEventsFilter = []string{"completed"}
		}
		return json.Marshal(body)
	case webhook.FormatFal:
		return input, nil
	}
	return json.Marshal(nativeSubmit{
		JobID:               req.JobID,
		BatchID:             req.BatchID,
		Input:               input,
		ExpectedDurationSec: req.ExpectedDuration.Seconds(),
		WebhookURL:          hook,
	})
}

func appendQuery(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}
