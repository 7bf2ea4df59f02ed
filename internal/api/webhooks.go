package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/estatereel/renderd/internal/webhook"
)

const (
	maxWebhookBytes  = 1 << 20
	maxTimestampSkew = 5 * time.Minute

	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// webhookHandler answers 200 for every notice it could read, including
// unmatched, stale and duplicate ones, so providers stop retrying them.
// Only unreadable notices and store failures get an error status.
func webhookHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		src, ok := cfg.Webhooks[name]
		if !ok {
			WriteError(w, http.StatusNotFound, "unknown provider", "NOT_FOUND")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "cannot read body", "INVALID_REQUEST")
			return
		}

		if src.Secret != "" {
			if err := verifySignature(r.Header, body, src.Secret, time.Now()); err != nil {
				cfg.Logger.Warn("webhook signature rejected", "provider", name, "error", err)
				WriteError(w, http.StatusUnauthorized, "invalid signature", "UNAUTHORIZED")
				return
			}
		}

		p, err := webhook.Normalize(src.Format, body)
		if err != nil {
			cfg.Logger.Warn("malformed webhook", "provider", name, "error", err)
			WriteError(w, http.StatusBadRequest, "malformed webhook payload", "INVALID_REQUEST")
			return
		}

		p.Provider = name
		outcome, err := cfg.Service.HandleWebhook(r.Context(), p, r.URL.Query().Get("job_id"))
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "temporarily unable to process webhook", "UNAVAILABLE")
			return
		}
		WriteJSON(w, http.StatusOK, WebhookResponse{Outcome: string(outcome)})
	}
}

// verifySignature checks X-Webhook-Signature, the hex HMAC-SHA256 of
// "<timestamp>\n<body>" keyed with secret. The timestamp is RFC 3339 and
// must be within maxTimestampSkew of now.
func verifySignature(h http.Header, body []byte, secret string, now time.Time) error {
	timestamp := h.Get(HeaderWebhookTimestamp)
	if timestamp == "" {
		return fmt.Errorf("missing %s header", HeaderWebhookTimestamp)
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid %s: must be RFC 3339", HeaderWebhookTimestamp)
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("%s too far from current time (skew: %v)", HeaderWebhookTimestamp, skew.Truncate(time.Second))
	}

	signature := strings.TrimPrefix(h.Get(HeaderWebhookSignature), "sha256=")
	if signature == "" {
		return fmt.Errorf("missing %s header", HeaderWebhookSignature)
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return errors.New("signature is not hex")
	}
	if !hmac.Equal(got, Sign(secret, timestamp, body)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign returns the HMAC-SHA256 a provider sends for body at timestamp.
func Sign(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return mac.Sum(nil)
}
