// Package notify delivers batch and job events to the party that requested
// the renders. Delivery is best effort: sinks report errors, callers log
// them, nothing is retried.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/estatereel/renderd/internal/logging"
)

const (
	EventJobFailed      = "job.failed"
	EventBatchCompleted = "batch.completed"
	EventBatchFailed    = "batch.failed"
)

type Event struct {
	Type          string    `json:"type"`
	BatchID       string    `json:"batch_id"`
	JobID         string    `json:"job_id,omitempty"`
	OwnerID       string    `json:"owner_id,omitempty"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	CompletedJobs []string  `json:"completed_jobs,omitempty"`
	Artifacts     []string  `json:"artifacts,omitempty"`
	FailedCount   int       `json:"failed_count"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Sink delivers an event. callbackURL is the batch's callback address and
// may be empty; sinks that need it skip the event then.
type Sink interface {
	Notify(ctx context.Context, callbackURL string, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, callbackURL string, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, callbackURL, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the log. It is the sink of last resort when no
// delivery channel is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.WithComponent(logging.OrDiscard(logger), "notify")}
}

func (s *LogSink) Notify(ctx context.Context, callbackURL string, e Event) error {
	s.logger.Info("event",
		"type", e.Type,
		"batch_id", e.BatchID,
		"job_id", e.JobID,
		"status", e.Status,
		"reason", e.Reason,
		"callback_url", logging.SanitizeURL(callbackURL),
	)
	return nil
}
