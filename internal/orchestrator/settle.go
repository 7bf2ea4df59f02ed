package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/estatereel/renderd/internal/batch"
	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/notify"
)

// Settle runs the downstream pathway for a job that just reached a terminal
// state and then re-evaluates its batch. It is called once per transition,
// by whichever party performed it. Upload and notification failures are
// logged and never undo the transition.
func (o *Orchestrator) Settle(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithBatchID(logging.WithJobID(o.logger, job.ID), job.BatchID)

	switch job.Status {
	case jobs.StatusCompleted:
		o.storeArtifact(ctx, logger, job)
	case jobs.StatusFailed:
		o.notify(ctx, logger, notify.Event{
			Type:    notify.EventJobFailed,
			BatchID: job.BatchID,
			JobID:   job.ID,
			Status:  job.Status,
			Reason:  job.Error,
		})
	}

	return o.finalize(ctx, logger, job.BatchID)
}

func (o *Orchestrator) storeArtifact(ctx context.Context, logger *slog.Logger, job *jobs.Job) {
	if o.uploader == nil {
		return
	}
	artifactURL, err := o.uploader.Store(ctx, job)
	if err != nil {
		logger.Warn("artifact handoff failed", "output_url", logging.SanitizeURL(job.OutputURL), "error", err)
		return
	}
	if err := o.store.SetJobArtifact(ctx, job.ID, artifactURL); err != nil {
		logger.Warn("failed to record artifact", "artifact_url", logging.SanitizeURL(artifactURL), "error", err)
		return
	}
	job.ArtifactURL = artifactURL
}

// finalize moves a decided batch out of pending. The conditional update
// lets exactly one caller win, and only the winner notifies.
func (o *Orchestrator) finalize(ctx context.Context, logger *slog.Logger, batchID string) error {
	ev, err := o.evaluator.Evaluate(ctx, batchID)
	if err != nil {
		return fmt.Errorf("evaluate batch %s: %w", batchID, err)
	}
	if !ev.Decided {
		return nil
	}

	status := ev.Outcome()
	reason := ev.Reason()
	applied, err := o.store.UpdateBatch(ctx, batchID,
		jobs.BatchCondition{Statuses: []string{jobs.BatchStatusPending}},
		jobs.BatchUpdate{Status: jobs.Ptr(status), Reason: jobs.Ptr(reason)})
	if err != nil {
		return fmt.Errorf("finalize batch %s: %w", batchID, err)
	}
	if !applied {
		return nil
	}

	o.metrics.BatchFinalized(ctx, status)
	logger.Info("batch finalized",
		"status", status,
		"completed", len(ev.CompletedJobs),
		"failed", ev.FailedCount,
		"canceled", ev.CanceledCount,
		"reason", reason,
	)
	o.notify(ctx, logger, batchEvent(ev))
	return nil
}

func batchEvent(ev *batch.Evaluation) notify.Event {
	e := notify.Event{
		Type:        notify.EventBatchCompleted,
		BatchID:     ev.BatchID,
		Status:      ev.Outcome(),
		Reason:      ev.Reason(),
		FailedCount: ev.FailedCount + ev.CanceledCount,
	}
	if e.Status == jobs.BatchStatusFailed {
		e.Type = notify.EventBatchFailed
	}
	for _, j := range ev.CompletedJobs {
		e.CompletedJobs = append(e.CompletedJobs, j.ID)
		artifact := j.ArtifactURL
		if artifact == "" {
			artifact = j.OutputURL
		}
		e.Artifacts = append(e.Artifacts, artifact)
	}
	return e
}

func (o *Orchestrator) notify(ctx context.Context, logger *slog.Logger, e notify.Event) {
	bc, err := o.batchContext(ctx, e.BatchID)
	if err != nil {
		logger.Warn("cannot resolve batch for notification", "event", e.Type, "error", err)
		return
	}
	e.OwnerID = bc.OwnerID
	e.OccurredAt = time.Now().UTC()

	if err := o.notifier.Notify(ctx, bc.CallbackURL, e); err != nil {
		logger.Warn("notification failed", "event", e.Type, "error", err)
	}
}
