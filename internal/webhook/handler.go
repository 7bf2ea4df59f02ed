// Package webhook applies provider completion notices to jobs.
//
// Delivery is at-least-once and unordered. Every transition is a
// compare-and-set on the job row (mutable status and unchanged correlation
// id), so duplicates, replays and notices for abandoned attempts are no-ops
// even when handled concurrently by several processes.
package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/telemetry"
)

// Outcome says what Handle did with a payload.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // the job transitioned
	OutcomeDuplicate Outcome = "duplicate" // the job was already terminal
	OutcomeUnmatched Outcome = "unmatched" // no job matched
	OutcomeStale     Outcome = "stale"     // the notice belongs to an abandoned attempt
	OutcomeIgnored   Outcome = "ignored"   // non-terminal provider status
)

// Settler runs the downstream pathway after a job reached a terminal state.
type Settler interface {
	Settle(ctx context.Context, job *jobs.Job) error
}

type Handler struct {
	store   jobs.Store
	settler Settler
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func NewHandler(store jobs.Store, settler Settler, logger *slog.Logger, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		store:   store,
		settler: settler,
		logger:  logging.WithComponent(logging.OrDiscard(logger), "webhook"),
		metrics: metrics,
	}
}

// Handle matches p to a job and applies it at most once. fallbackJobID is
// consulted only when the correlation id is unknown. Store failures are
// returned; every other outcome, including unmatched and stale notices, is
// reported through Outcome with a nil error.
func (h *Handler) Handle(ctx context.Context, p Payload, fallbackJobID string) (Outcome, error) {
	outcome, job, err := h.handle(ctx, p, fallbackJobID)
	if err != nil {
		h.logger.Error("webhook handling failed",
			"provider", p.Provider,
			"correlation_id", p.CorrelationID,
			"fallback_job_id", fallbackJobID,
			"error", err,
		)
		return outcome, err
	}

	h.metrics.WebhookDelivery(ctx, string(outcome))

	logger := h.logger.With("provider", p.Provider, "correlation_id", p.CorrelationID, "status", p.Status, "outcome", string(outcome))
	if job != nil {
		logger = logging.WithJobID(logger, job.ID)
	}
	if outcome == OutcomeApplied {
		logger.Info("webhook applied")
		if h.settler != nil {
			if err := h.settler.Settle(ctx, job); err != nil {
				logger.Warn("settle after webhook failed", "error", err)
			}
		}
	} else {
		logger.Info("webhook ignored")
	}
	return outcome, nil
}

func (h *Handler) handle(ctx context.Context, p Payload, fallbackJobID string) (Outcome, *jobs.Job, error) {
	if !p.Terminal() {
		return OutcomeIgnored, nil, nil
	}

	job, outcome, err := h.match(ctx, p, fallbackJobID)
	if err != nil || job == nil {
		return outcome, job, err
	}

	if job.IsTerminal() {
		return OutcomeDuplicate, job, nil
	}

	cond := jobs.JobCondition{
		Statuses:      jobs.MutableStatuses,
		CorrelationID: jobs.Ptr(job.CorrelationID),
	}
	upd, attemptOutcome := transition(job, p)

	applied, err := h.store.UpdateJob(ctx, job.ID, cond, upd)
	if err != nil {
		return "", job, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if !applied {
		// Lost a race: another delivery, a cancellation or a fallback switch
		// changed the row since it was read.
		current, err := h.store.GetJob(ctx, job.ID)
		if err != nil {
			return "", job, fmt.Errorf("reload job %s: %w", job.ID, err)
		}
		if current != nil && current.IsTerminal() {
			return OutcomeDuplicate, current, nil
		}
		return OutcomeStale, job, nil
	}

	cid := p.CorrelationID
	if cid == "" {
		cid = job.CorrelationID
	}
	if err := h.store.SetAttemptOutcome(ctx, cid, attemptOutcome, p.Error); err != nil {
		h.logger.Warn("failed to record attempt outcome", "correlation_id", cid, "error", err)
	}

	updated, err := h.store.GetJob(ctx, job.ID)
	if err != nil {
		return "", job, fmt.Errorf("reload job %s: %w", job.ID, err)
	}
	if updated == nil {
		return "", job, fmt.Errorf("job %s disappeared after update", job.ID)
	}
	return OutcomeApplied, updated, nil
}

// match resolves the job a payload refers to. The correlation id is
// authoritative: the fallback id is used only when the correlation id is
// unknown, and a fallback job already holding a different correlation id
// or assigned to another provider is never touched.
func (h *Handler) match(ctx context.Context, p Payload, fallbackJobID string) (*jobs.Job, Outcome, error) {
	job, err := h.store.FindJobByCorrelationID(ctx, p.CorrelationID)
	if err != nil {
		return nil, "", fmt.Errorf("find job by correlation id: %w", err)
	}
	if job != nil {
		if !sameProvider(p.Provider, job.Provider) {
			return nil, OutcomeStale, nil
		}
		return job, "", nil
	}

	if p.CorrelationID != "" {
		attempt, err := h.store.FindAttempt(ctx, p.CorrelationID)
		if err != nil {
			return nil, "", fmt.Errorf("find attempt: %w", err)
		}
		if attempt != nil {
			if attempt.Outcome != jobs.AttemptAccepted || !sameProvider(p.Provider, attempt.Provider) {
				return nil, OutcomeStale, nil
			}
			// Accepted but not yet attached to the job row: the provider
			// answered before the dispatcher finished recording the handle.
			job, err := h.store.GetJob(ctx, attempt.JobID)
			if err != nil {
				return nil, "", fmt.Errorf("get job %s: %w", attempt.JobID, err)
			}
			if job == nil {
				return nil, OutcomeUnmatched, nil
			}
			if job.CorrelationID != "" && job.CorrelationID != p.CorrelationID {
				return nil, OutcomeStale, nil
			}
			return job, "", nil
		}
	}

	if fallbackJobID == "" {
		return nil, OutcomeUnmatched, nil
	}
	job, err = h.store.GetJob(ctx, fallbackJobID)
	if err != nil {
		return nil, "", fmt.Errorf("get job %s: %w", fallbackJobID, err)
	}
	if job == nil {
		return nil, OutcomeUnmatched, nil
	}
	if p.CorrelationID != "" && job.CorrelationID != "" && job.CorrelationID != p.CorrelationID {
		return nil, OutcomeStale, nil
	}
	// Matched by job id alone: only the provider currently holding the job
	// may settle it.
	if !sameProvider(p.Provider, job.Provider) {
		return nil, OutcomeStale, nil
	}
	return job, "", nil
}

// sameProvider reports whether a notice from sender may act for owner. An
// unnamed side matches anything.
func sameProvider(sender, owner string) bool {
	return sender == "" || owner == "" || sender == owner
}

func transition(job *jobs.Job, p Payload) (jobs.JobUpdate, string) {
	var upd jobs.JobUpdate
	if job.CorrelationID == "" && p.CorrelationID != "" {
		upd.CorrelationID = jobs.Ptr(p.CorrelationID)
	}

	if p.Status == StatusOK && p.Output != nil && p.Output.URL != "" {
		out := *p.Output
		if out.DurationSec <= 0 {
			out.DurationSec = job.ExpectedDuration().Seconds()
		}
		upd.Status = jobs.Ptr(jobs.StatusCompleted)
		upd.Output = &out
		upd.Error = jobs.Ptr("")
		return upd, jobs.AttemptCompleted
	}

	msg := p.Error
	if p.Status == StatusOK {
		msg = "provider reported success without an output"
	}
	if msg == "" {
		msg = "provider reported failure"
	}
	upd.Status = jobs.Ptr(jobs.StatusFailed)
	upd.Error = jobs.Ptr(msg)
	return upd, jobs.AttemptRejected
}
