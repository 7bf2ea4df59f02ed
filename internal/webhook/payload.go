package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/estatereel/renderd/internal/jobs"
)

// Normalized terminal statuses. Any other status is an intermediate
// provider state and is ignored by the handler.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Payload formats understood by Normalize.
const (
	FormatNative    = "native"
	FormatReplicate = "replicate"
	FormatFal       = "fal"
)

var ErrMalformedPayload = errors.New("malformed webhook payload")

// Payload is a provider completion notice in normalized form. Provider names
// the strategy the notice arrived from; it is set by the receiver, never
// decoded from the body.
type Payload struct {
	Provider      string       `json:"-"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Status        string       `json:"status"`
	Output        *jobs.Output `json:"output,omitempty"`
	Error         string       `json:"error,omitempty"`
}

func (p Payload) Terminal() bool {
	return p.Status == StatusOK || p.Status == StatusError
}

// Normalize decodes body in the given provider format. An empty format is
// the native shape. Bodies come from remote providers, so output URLs must
// be http or https.
func Normalize(format string, body []byte) (Payload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Payload{}, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	var (
		p   Payload
		err error
	)
	switch strings.ToLower(format) {
	case "", FormatNative:
		p, err = normalizeNative(body)
	case FormatReplicate:
		p, err = normalizeReplicate(body)
	case FormatFal:
		p, err = normalizeFal(body)
	default:
		return Payload{}, fmt.Errorf("unknown webhook format %q", format)
	}
	if err != nil {
		return Payload{}, err
	}
	if p.Output != nil {
		if err := checkRemoteURL(p.Output.URL); err != nil {
			return Payload{}, err
		}
		if err := checkRemoteURL(p.Output.ThumbnailURL); err != nil {
			return Payload{}, err
		}
	}
	return p, nil
}

func checkRemoteURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: output url: %v", ErrMalformedPayload, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: output url must be http(s), got %q", ErrMalformedPayload, u.Scheme)
	}
	return nil
}

type nativeBody struct {
	CorrelationID string          `json:"correlation_id"`
	ID            string          `json:"id"` // alias for correlation_id
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output"`
	Error         string          `json:"error"`
}

func normalizeNative(body []byte) (Payload, error) {
	var nb nativeBody
	if err := json.Unmarshal(body, &nb); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if nb.Status == "" {
		return Payload{}, fmt.Errorf("%w: missing status", ErrMalformedPayload)
	}

	out, err := decodeOutput(nb.Output)
	if err != nil {
		return Payload{}, err
	}

	cid := nb.CorrelationID
	if cid == "" {
		cid = nb.ID
	}
	p := Payload{CorrelationID: cid, Output: out, Error: nb.Error}
	switch strings.ToLower(nb.Status) {
	case "ok", "success", "succeeded", "completed":
		p.Status = StatusOK
	case "error", "failed", "failure":
		p.Status = StatusError
	default:
		p.Status = strings.ToLower(nb.Status)
	}
	return p, nil
}

type replicateBody struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output"`
	Error   json.RawMessage `json:"error"`
	Metrics struct {
		PredictTime float64 `json:"predict_time"`
	} `json:"metrics"`
}

func normalizeReplicate(body []byte) (Payload, error) {
	var rb replicateBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if rb.Status == "" {
		return Payload{}, fmt.Errorf("%w: missing status", ErrMalformedPayload)
	}

	p := Payload{CorrelationID: rb.ID}
	switch rb.Status {
	case "succeeded":
		out, err := decodeOutput(rb.Output)
		if err != nil {
			return Payload{}, err
		}
		if out != nil && out.DurationSec == 0 && rb.Metrics.PredictTime > 0 {
			out.DurationSec = rb.Metrics.PredictTime
		}
		p.Status = StatusOK
		p.Output = out
	case "failed":
		p.Status = StatusError
		p.Error = rawErrorText(rb.Error)
		if p.Error == "" {
			p.Error = "prediction failed"
		}
	case "canceled":
		p.Status = StatusError
		p.Error = "prediction canceled"
	default:
		p.Status = rb.Status
	}
	return p, nil
}

type falFile struct {
	URL      string `json:"url"`
	FileSize int64  `json:"file_size"`
}

type falBody struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Error     json.RawMessage `json:"error"`
	Payload   *struct {
		Video     *falFile `json:"video"`
		Thumbnail *falFile `json:"thumbnail"`
		Duration  float64  `json:"duration"`
	} `json:"payload"`
}

func normalizeFal(body []byte) (Payload, error) {
	var fb falBody
	if err := json.Unmarshal(body, &fb); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fb.Status == "" {
		return Payload{}, fmt.Errorf("%w: missing status", ErrMalformedPayload)
	}

	p := Payload{CorrelationID: fb.RequestID}
	switch fb.Status {
	case "OK":
		p.Status = StatusOK
		if fb.Payload != nil && fb.Payload.Video != nil {
			p.Output = &jobs.Output{
				URL:         fb.Payload.Video.URL,
				SizeBytes:   fb.Payload.Video.FileSize,
				DurationSec: fb.Payload.Duration,
			}
			if fb.Payload.Thumbnail != nil {
				p.Output.ThumbnailURL = fb.Payload.Thumbnail.URL
			}
		}
	case "ERROR":
		p.Status = StatusError
		p.Error = rawErrorText(fb.Error)
		if p.Error == "" {
			p.Error = "request failed"
		}
	default:
		p.Status = strings.ToLower(fb.Status)
	}
	return p, nil
}

type outputObject struct {
	URL          string  `json:"url"`
	Video        string  `json:"video"`
	ThumbnailURL string  `json:"thumbnail_url"`
	Thumbnail    string  `json:"thumbnail"`
	DurationSec  float64 `json:"duration_sec"`
	Duration     float64 `json:"duration"`
	SizeBytes    int64   `json:"size_bytes"`
	FileSize     int64   `json:"file_size"`
}

// decodeOutput accepts a URL string, a list of URLs (first is the video)
// or an object.
func decodeOutput(raw json.RawMessage) (*jobs.Output, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var url string
		if err := json.Unmarshal(raw, &url); err != nil {
			return nil, fmt.Errorf("%w: output: %v", ErrMalformedPayload, err)
		}
		return &jobs.Output{URL: url}, nil
	case '[':
		var urls []string
		if err := json.Unmarshal(raw, &urls); err != nil {
			return nil, fmt.Errorf("%w: output: %v", ErrMalformedPayload, err)
		}
		if len(urls) == 0 {
			return nil, nil
		}
		return &jobs.Output{URL: urls[0]}, nil
	case '{':
		var o outputObject
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("%w: output: %v", ErrMalformedPayload, err)
		}
		return &jobs.Output{
			URL:          firstNonEmpty(o.URL, o.Video),
			ThumbnailURL: firstNonEmpty(o.ThumbnailURL, o.Thumbnail),
			DurationSec:  firstPositive(o.DurationSec, o.Duration),
			SizeBytes:    max(o.SizeBytes, o.FileSize),
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported output value", ErrMalformedPayload)
}

// rawErrorText renders a provider error that may be a string or an object.
func rawErrorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Message != "" || obj.Detail != "") {
		return firstNonEmpty(obj.Message, obj.Detail)
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
