// Package jobs holds the job and batch model and the store that persists it.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"

	BatchStatusPending   = "pending"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"

	AttemptAccepted  = "accepted"
	AttemptCompleted = "completed"
	AttemptRejected  = "rejected"
	AttemptAbandoned = "abandoned"
)

// DefaultExpectedDuration is used when a job carries no duration hint.
const DefaultExpectedDuration = 5 * time.Second

// MutableStatuses are the statuses a job may leave.
var MutableStatuses = []string{StatusQueued, StatusProcessing}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

type Job struct {
	ID            string          `json:"id"`
	BatchID       string          `json:"batch_id"`
	Position      int             `json:"position"`
	Status        string          `json:"status"`
	Provider      string          `json:"provider,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Attempts      int             `json:"attempts"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DurationHint  float64         `json:"duration_hint,omitempty"`
	OutputURL     string          `json:"output_url,omitempty"`
	ThumbnailURL  string          `json:"thumbnail_url,omitempty"`
	DurationSec   float64         `json:"duration_sec,omitempty"`
	SizeBytes     int64           `json:"size_bytes,omitempty"`
	ArtifactURL   string          `json:"artifact_url,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (j *Job) IsTerminal() bool {
	return IsTerminal(j.Status)
}

// ExpectedDuration is the duration hint, or DefaultExpectedDuration when the
// job has none.
func (j *Job) ExpectedDuration() time.Duration {
	if j.DurationHint > 0 {
		return time.Duration(j.DurationHint * float64(time.Second))
	}
	return DefaultExpectedDuration
}

// Output describes a finished render.
type Output struct {
	URL          string  `json:"url"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	DurationSec  float64 `json:"duration_sec,omitempty"`
	SizeBytes    int64   `json:"size_bytes,omitempty"`
}

type Batch struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id,omitempty"`
	CallbackURL string     `json:"callback_url,omitempty"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (b *Batch) IsTerminal() bool {
	return b.Status == BatchStatusCompleted || b.Status == BatchStatusFailed
}

// Attempt records one provider attempt for a job.
type Attempt struct {
	ID            int64     `json:"id"`
	JobID         string    `json:"job_id"`
	Provider      string    `json:"provider"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func NewID() string {
	return uuid.NewString()
}

// Ptr returns a pointer to v, for building updates.
func Ptr[T any](v T) *T {
	return &v
}
