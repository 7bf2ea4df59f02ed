package orchestrator

import (
	"context"
	"fmt"

	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/notify"
)

const (
	canceledReason    = "canceled by request"
	interruptedReason = "interrupted by restart"
	failedBatchReason = "failed by request"
)

// CancelJob cancels a queued or processing job. A render held by the local
// queue is stopped; a remote provider is left to finish and its webhook is
// ignored.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := o.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	applied, err := o.store.UpdateJob(ctx, id,
		jobs.JobCondition{Statuses: jobs.MutableStatuses},
		jobs.JobUpdate{Status: jobs.Ptr(jobs.StatusCanceled), Error: jobs.Ptr(canceledReason)})
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	current, err := o.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !applied {
		return current, fmt.Errorf("job %s is %s: %w", id, current.Status, ErrAlreadyTerminal)
	}

	o.releaseRender(ctx, job)
	logging.WithJobID(o.logger, id).Info("job canceled", "previous_status", job.Status)

	if err := o.Settle(ctx, current); err != nil {
		return current, err
	}
	return current, nil
}

// FailBatch cancels the unfinished jobs of a pending batch and marks it
// failed with reason.
func (o *Orchestrator) FailBatch(ctx context.Context, id, reason string) (*jobs.Batch, error) {
	if reason == "" {
		reason = failedBatchReason
	}
	b, err := o.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if b.IsTerminal() {
		return b, fmt.Errorf("batch %s is %s: %w", id, b.Status, ErrAlreadyTerminal)
	}

	members, err := o.store.ListJobsByBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, job := range members {
		if job.IsTerminal() {
			continue
		}
		applied, err := o.store.UpdateJob(ctx, job.ID,
			jobs.JobCondition{Statuses: jobs.MutableStatuses},
			jobs.JobUpdate{Status: jobs.Ptr(jobs.StatusCanceled), Error: jobs.Ptr(reason)})
		if err != nil {
			return nil, fmt.Errorf("cancel job %s: %w", job.ID, err)
		}
		if applied {
			o.releaseRender(ctx, job)
		}
	}

	logger := logging.WithBatchID(o.logger, id)
	applied, err := o.store.UpdateBatch(ctx, id,
		jobs.BatchCondition{Statuses: []string{jobs.BatchStatusPending}},
		jobs.BatchUpdate{Status: jobs.Ptr(jobs.BatchStatusFailed), Reason: jobs.Ptr(reason)})
	if err != nil {
		return nil, fmt.Errorf("fail batch: %w", err)
	}

	current, err := o.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !applied {
		return current, fmt.Errorf("batch %s is %s: %w", id, current.Status, ErrAlreadyTerminal)
	}

	o.metrics.BatchFinalized(ctx, jobs.BatchStatusFailed)
	logger.Info("batch failed by request", "reason", reason)

	ev, err := o.evaluator.Evaluate(ctx, id)
	if err != nil {
		return current, err
	}
	e := batchEvent(ev)
	e.Type = notify.EventBatchFailed
	e.Status = jobs.BatchStatusFailed
	e.Reason = reason
	o.notify(ctx, logger, e)
	return current, nil
}

// RecoverInterrupted fails jobs that cannot finish after a restart: jobs
// never handed to a provider, and jobs held by the in-process render queue,
// whose state did not survive. Their batches are re-evaluated. It returns
// the number of jobs failed.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	var stuck []*jobs.Job
	for _, status := range jobs.MutableStatuses {
		list, err := o.store.ListJobsByStatus(ctx, "", status)
		if err != nil {
			return 0, fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, job := range list {
			if o.interrupted(job) {
				stuck = append(stuck, job)
			}
		}
	}

	recovered := 0
	for _, job := range stuck {
		applied, err := o.store.UpdateJob(ctx, job.ID,
			jobs.JobCondition{Statuses: jobs.MutableStatuses, CorrelationID: jobs.Ptr(job.CorrelationID)},
			jobs.JobUpdate{Status: jobs.Ptr(jobs.StatusFailed), Error: jobs.Ptr(interruptedReason)})
		if err != nil {
			return recovered, fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
		if !applied {
			continue
		}
		recovered++
		if job.CorrelationID != "" {
			if err := o.store.SetAttemptOutcome(ctx, job.CorrelationID, jobs.AttemptAbandoned, interruptedReason); err != nil {
				o.logger.Warn("failed to abandon attempt", "correlation_id", job.CorrelationID, "error", err)
			}
		}

		current, err := o.store.GetJob(ctx, job.ID)
		if err != nil || current == nil {
			continue
		}
		if err := o.Settle(ctx, current); err != nil {
			o.logger.Warn("settle after recovery failed", "job_id", job.ID, "error", err)
		}
	}

	if recovered > 0 {
		o.logger.Info("failed interrupted jobs", "count", recovered)
	}
	return recovered, nil
}

func (o *Orchestrator) interrupted(job *jobs.Job) bool {
	if job.Status == jobs.StatusQueued || job.CorrelationID == "" {
		return true
	}
	return o.local != nil && job.Provider == o.local.Name()
}

// releaseRender stops a local render and retires the job's correlation id.
func (o *Orchestrator) releaseRender(ctx context.Context, job *jobs.Job) {
	if job.CorrelationID == "" {
		return
	}
	if o.local != nil && job.Provider == o.local.Name() {
		o.local.Cancel(job.CorrelationID)
	}
	if err := o.store.SetAttemptOutcome(ctx, job.CorrelationID, jobs.AttemptAbandoned, ""); err != nil {
		o.logger.Warn("failed to abandon attempt", "correlation_id", job.CorrelationID, "error", err)
	}
}
