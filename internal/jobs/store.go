package jobs

import "context"

// Store persists jobs, batches and provider attempts. Lookups return
// (nil, nil) when nothing matches.
//
// UpdateJob and UpdateBatch are compare-and-set: the update applies only
// when the row still satisfies the condition, and the returned bool says
// whether it did. Concurrent webhook deliveries rely on this being atomic at
// the storage layer.
type Store interface {
	CreateBatch(ctx context.Context, batch *Batch, jobs []*Job) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, limit int) ([]*Batch, error)
	UpdateBatch(ctx context.Context, id string, cond BatchCondition, upd BatchUpdate) (bool, error)

	GetJob(ctx context.Context, id string) (*Job, error)
	FindJobByCorrelationID(ctx context.Context, correlationID string) (*Job, error)
	ListJobsByBatch(ctx context.Context, batchID string) ([]*Job, error)
	ListJobsByStatus(ctx context.Context, provider, status string) ([]*Job, error)
	UpdateJob(ctx context.Context, id string, cond JobCondition, upd JobUpdate) (bool, error)
	SetJobArtifact(ctx context.Context, id, url string) error

	RecordAttempt(ctx context.Context, a *Attempt) error
	FindAttempt(ctx context.Context, correlationID string) (*Attempt, error)
	SetAttemptOutcome(ctx context.Context, correlationID, outcome, errMsg string) error
}

// JobCondition guards a job update.
type JobCondition struct {
	Statuses      []string // current status must be one of these; empty means any
	CorrelationID *string  // when set, the current correlation id must equal it ("" means none)
}

// JobUpdate lists the fields to change; nil fields are left alone.
type JobUpdate struct {
	Status            *string
	Provider          *string
	CorrelationID     *string // "" clears it
	Error             *string
	Output            *Output
	IncrementAttempts bool
}

type BatchCondition struct {
	Statuses []string
}

type BatchUpdate struct {
	Status *string
	Reason *string
}
