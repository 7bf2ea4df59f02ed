// Package dispatch hands a job to an ordered list of provider strategies,
// falling back to the next strategy when one fails synchronously.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/provider"
	"github.com/estatereel/renderd/internal/telemetry"
)

const DefaultAttemptTimeout = 60 * time.Second

// Result states.
const (
	StateCompleted = "completed" // a strategy returned the output synchronously
	StatePending   = "pending"   // accepted; a webhook will finish the job
	StateFailed    = "failed"    // every strategy failed; the job is failed
	StateAborted   = "aborted"   // the job was settled or claimed elsewhere
)

var ErrNoStrategies = errors.New("no provider strategies configured")

// Result describes where a dispatch left the job. Job is the row as last
// read from the store.
type Result struct {
	State         string
	Job           *jobs.Job
	Provider      string
	CorrelationID string
}

// Settled reports whether this dispatch itself moved the job to a terminal
// state, which makes the caller responsible for settling it.
func (r *Result) Settled() bool {
	return r.State == StateCompleted || r.State == StateFailed
}

// Error is returned when every strategy failed for a job.
type Error struct {
	JobID    string
	Failures []error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch job %s: %s", e.JobID, e.Reason())
}

// Reason is the message stored on the failed job.
func (e *Error) Reason() string {
	msgs := make([]string, len(e.Failures))
	for i, err := range e.Failures {
		msgs[i] = err.Error()
	}
	return "all providers failed: " + strings.Join(msgs, "; ")
}

func (e *Error) Unwrap() []error { return e.Failures }

// Canceler is implemented by strategies that can stop an accepted render.
type Canceler interface {
	Cancel(correlationID string) bool
}

type Config struct {
	Strategies     []provider.Strategy // tried in order
	Store          jobs.Store
	AttemptTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

type Dispatcher struct {
	strategies     []provider.Strategy
	store          jobs.Store
	attemptTimeout time.Duration
	logger         *slog.Logger
	metrics        *telemetry.Metrics
}

func New(cfg Config) (*Dispatcher, error) {
	if len(cfg.Strategies) == 0 {
		return nil, ErrNoStrategies
	}
	if cfg.Store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	return &Dispatcher{
		strategies:     cfg.Strategies,
		store:          cfg.Store,
		attemptTimeout: cfg.AttemptTimeout,
		logger:         logging.WithComponent(logging.OrDiscard(cfg.Logger), "dispatch"),
		metrics:        cfg.Metrics,
	}, nil
}

// Strategies returns the configured strategies in dispatch order.
func (d *Dispatcher) Strategies() []provider.Strategy {
	return d.strategies
}

// Dispatch marks job processing and tries each strategy in turn. Before
// every attempt the job is claimed with a compare-and-set on its status and
// current correlation id, so a job that a webhook or cancellation settled in
// the meantime is left alone and the result is StateAborted.
//
// When all strategies fail the job is failed and both a StateFailed result
// and an *Error are returned. Other errors come from the store.
func (d *Dispatcher) Dispatch(ctx context.Context, job *jobs.Job) (*Result, error) {
	logger := logging.WithBatchID(logging.WithJobID(d.logger, job.ID), job.BatchID)
	if job.IsTerminal() {
		return &Result{State: StateAborted, Job: job}, nil
	}

	prevCID := job.CorrelationID
	var failures []error

	for i, strategy := range d.strategies {
		name := strategy.Name()

		if prevCID != "" {
			// Abandon first so a late webhook for it is recognized as stale.
			if err := d.store.SetAttemptOutcome(ctx, prevCID, jobs.AttemptAbandoned, ""); err != nil {
				return nil, fmt.Errorf("abandon correlation id: %w", err)
			}
		}
		applied, err := d.store.UpdateJob(ctx, job.ID,
			jobs.JobCondition{Statuses: jobs.MutableStatuses, CorrelationID: jobs.Ptr(prevCID)},
			jobs.JobUpdate{
				Status:            jobs.Ptr(jobs.StatusProcessing),
				Provider:          jobs.Ptr(name),
				CorrelationID:     jobs.Ptr(""),
				Error:             jobs.Ptr(""),
				IncrementAttempts: true,
			})
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if !applied {
			return d.abort(ctx, logger, job.ID, name)
		}
		prevCID = ""

		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		att, err := strategy.Attempt(attemptCtx, provider.RequestFor(job))
		cancel()

		if err == nil && !att.Immediate() && att.CorrelationID == "" {
			err = &provider.Error{Provider: name, Permanent: true, Err: errors.New("accepted without a correlation id")}
		}
		if err != nil {
			failures = append(failures, err)
			d.recordRejection(ctx, logger, job.ID, name, err)
			if i+1 < len(d.strategies) {
				next := d.strategies[i+1].Name()
				d.metrics.DispatchFallback(ctx, name, next)
				logger.Warn("provider failed, falling back", "provider", name, "fallback", next, "error", err)
			}
			continue
		}

		if att.Immediate() {
			return d.complete(ctx, logger, job.ID, name, att)
		}
		return d.accept(ctx, logger, job.ID, name, strategy, att.CorrelationID)
	}

	dispErr := &Error{JobID: job.ID, Failures: failures}
	applied, err := d.store.UpdateJob(ctx, job.ID,
		jobs.JobCondition{Statuses: jobs.MutableStatuses, CorrelationID: jobs.Ptr("")},
		jobs.JobUpdate{Status: jobs.Ptr(jobs.StatusFailed), Error: jobs.Ptr(dispErr.Reason())})
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	if !applied {
		return d.abort(ctx, logger, job.ID, "")
	}

	logger.Error("all providers failed", "attempts", len(failures), "error", dispErr.Reason())
	current, err := d.reload(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return &Result{State: StateFailed, Job: current}, dispErr
}

func (d *Dispatcher) complete(ctx context.Context, logger *slog.Logger, jobID, name string, att provider.Attempt) (*Result, error) {
	d.metrics.DispatchAttempt(ctx, name, jobs.AttemptCompleted)
	if err := d.store.RecordAttempt(ctx, &jobs.Attempt{
		JobID:         jobID,
		Provider:      name,
		CorrelationID: att.CorrelationID,
		Outcome:       jobs.AttemptCompleted,
	}); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	applied, err := d.store.UpdateJob(ctx, jobID,
		jobs.JobCondition{Statuses: jobs.MutableStatuses, CorrelationID: jobs.Ptr("")},
		jobs.JobUpdate{
			Status:        jobs.Ptr(jobs.StatusCompleted),
			CorrelationID: jobs.Ptr(att.CorrelationID),
			Output:        att.Output,
		})
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	if !applied {
		return d.abort(ctx, logger, jobID, name)
	}

	logger.Info("job completed synchronously", "provider", name)
	current, err := d.reload(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Result{State: StateCompleted, Job: current, Provider: name, CorrelationID: att.CorrelationID}, nil
}

// accept records the correlation id before attaching it to the job. A
// webhook that races ahead of the attach finds the attempt and settles the
// job itself.
func (d *Dispatcher) accept(ctx context.Context, logger *slog.Logger, jobID, name string, strategy provider.Strategy, cid string) (*Result, error) {
	d.metrics.DispatchAttempt(ctx, name, jobs.AttemptAccepted)
	if err := d.store.RecordAttempt(ctx, &jobs.Attempt{
		JobID:         jobID,
		Provider:      name,
		CorrelationID: cid,
		Outcome:       jobs.AttemptAccepted,
	}); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	applied, err := d.store.UpdateJob(ctx, jobID,
		jobs.JobCondition{Statuses: jobs.MutableStatuses, CorrelationID: jobs.Ptr("")},
		jobs.JobUpdate{CorrelationID: jobs.Ptr(cid)})
	if err != nil {
		return nil, fmt.Errorf("attach correlation id: %w", err)
	}

	current, err := d.reload(ctx, jobID)
	if err != nil {
		return nil, err
	}
	result := &Result{State: StatePending, Job: current, Provider: name, CorrelationID: cid}
	if applied {
		logger.Info("job accepted", "provider", name, "correlation_id", cid)
		return result, nil
	}

	if current.CorrelationID == cid {
		// The completion webhook already arrived and settled the job.
		if current.IsTerminal() {
			outcome := jobs.AttemptCompleted
			if current.Status != jobs.StatusCompleted {
				outcome = jobs.AttemptRejected
			}
			if err := d.store.SetAttemptOutcome(ctx, cid, outcome, current.Error); err != nil {
				logger.Warn("failed to record attempt outcome", "correlation_id", cid, "error", err)
			}
		}
		return result, nil
	}

	// Settled by someone else while the provider was accepting.
	if err := d.store.SetAttemptOutcome(ctx, cid, jobs.AttemptAbandoned, ""); err != nil {
		logger.Warn("failed to abandon attempt", "correlation_id", cid, "error", err)
	}
	if c, ok := strategy.(Canceler); ok {
		c.Cancel(cid)
	}
	logger.Info("dispatch aborted, job settled during accept", "provider", name, "status", current.Status)
	return &Result{State: StateAborted, Job: current, Provider: name, CorrelationID: cid}, nil
}

func (d *Dispatcher) recordRejection(ctx context.Context, logger *slog.Logger, jobID, name string, err error) {
	outcome := "unavailable"
	var cid string
	var perr *provider.Error
	if errors.As(err, &perr) {
		cid = perr.CorrelationID
		if perr.Permanent {
			outcome = jobs.AttemptRejected
		}
	}
	d.metrics.DispatchAttempt(ctx, name, outcome)

	if rerr := d.store.RecordAttempt(ctx, &jobs.Attempt{
		JobID:         jobID,
		Provider:      name,
		CorrelationID: cid,
		Outcome:       jobs.AttemptRejected,
		Error:         err.Error(),
	}); rerr != nil {
		logger.Warn("failed to record rejected attempt", "provider", name, "error", rerr)
	}
}

func (d *Dispatcher) abort(ctx context.Context, logger *slog.Logger, jobID, name string) (*Result, error) {
	current, err := d.reload(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logger.Info("dispatch aborted", "provider", name, "status", current.Status)
	return &Result{State: StateAborted, Job: current, Provider: name}, nil
}

func (d *Dispatcher) reload(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s disappeared during dispatch", jobID)
	}
	return job, nil
}
