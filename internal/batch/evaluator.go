// Package batch decides batch outcomes from the current state of member jobs.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/estatereel/renderd/internal/jobs"
)

// ErrEmptyBatch means a batch has no member jobs, which can never happen for
// a batch created through the orchestrator.
var ErrEmptyBatch = errors.New("batch has no jobs")

// Evaluation is an aggregate over a batch's jobs as read at evaluation time.
type Evaluation struct {
	BatchID       string      `json:"batch_id"`
	Total         int         `json:"total"`
	Decided       bool        `json:"decided"`
	AllCompleted  bool        `json:"all_completed"`
	CompletedJobs []*jobs.Job `json:"completed_jobs"`
	FailedCount   int         `json:"failed_count"`
	CanceledCount int         `json:"canceled_count"`
	FirstFailure  *jobs.Job   `json:"first_failure,omitempty"` // lowest position among failed or canceled jobs
}

// Outcome is the batch status the evaluation implies.
func (e *Evaluation) Outcome() string {
	switch {
	case !e.Decided:
		return jobs.BatchStatusPending
	case e.AllCompleted:
		return jobs.BatchStatusCompleted
	default:
		return jobs.BatchStatusFailed
	}
}

// Reason explains a failed outcome through its first failing job.
func (e *Evaluation) Reason() string {
	if e.Outcome() != jobs.BatchStatusFailed || e.FirstFailure == nil {
		return ""
	}
	j := e.FirstFailure
	if j.Status == jobs.StatusCanceled {
		return fmt.Sprintf("job %d (%s) was canceled", j.Position+1, j.ID)
	}
	msg := j.Error
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("job %d (%s) failed: %s", j.Position+1, j.ID, msg)
}

// Evaluate aggregates jobs, which must be the complete member list of one
// batch.
func Evaluate(batchID string, members []*jobs.Job) (*Evaluation, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBatch, batchID)
	}

	e := &Evaluation{BatchID: batchID, Total: len(members), CompletedJobs: []*jobs.Job{}}
	terminal := 0
	for _, j := range members {
		switch j.Status {
		case jobs.StatusCompleted:
			e.CompletedJobs = append(e.CompletedJobs, j)
		case jobs.StatusFailed:
			e.FailedCount++
		case jobs.StatusCanceled:
			e.CanceledCount++
		}
		if !j.IsTerminal() {
			continue
		}
		terminal++
		if j.Status != jobs.StatusCompleted && (e.FirstFailure == nil || j.Position < e.FirstFailure.Position) {
			e.FirstFailure = j
		}
	}

	e.Decided = terminal == e.Total
	e.AllCompleted = len(e.CompletedJobs) == e.Total
	return e, nil
}

// Evaluator re-reads a batch's jobs from the store on every call, so
// concurrent completions of sibling jobs never race on a shared counter.
type Evaluator struct {
	store jobs.Store
}

func NewEvaluator(store jobs.Store) *Evaluator {
	return &Evaluator{store: store}
}

func (ev *Evaluator) Evaluate(ctx context.Context, batchID string) (*Evaluation, error) {
	members, err := ev.store.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	return Evaluate(batchID, members)
}
