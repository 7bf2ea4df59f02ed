// Package orchestrator is the entry point for render batches. It creates
// batches, dispatches their jobs, routes provider completions to the webhook
// handler and settles every terminal job: artifact handoff, notifications
// and batch finalization.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/estatereel/renderd/internal/batch"
	"github.com/estatereel/renderd/internal/dispatch"
	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/notify"
	"github.com/estatereel/renderd/internal/provider"
	"github.com/estatereel/renderd/internal/storage"
	"github.com/estatereel/renderd/internal/telemetry"
	"github.com/estatereel/renderd/internal/ttlcache"
	"github.com/estatereel/renderd/internal/webhook"
)

const (
	DefaultDispatchConcurrency = 4
	DefaultContextCacheSize    = 1024
	DefaultContextCacheTTL     = 10 * time.Minute
	MaxJobsPerBatch            = 100
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("already in a terminal state")
)

// CreateBatchRequest asks for one batch of renders.
type CreateBatchRequest struct {
	OwnerID     string       `json:"owner_id"`
	CallbackURL string       `json:"callback_url,omitempty"`
	Jobs        []JobRequest `json:"jobs"`
}

type JobRequest struct {
	Payload     json.RawMessage `json:"payload"`
	DurationSec float64         `json:"duration_sec,omitempty"`
}

// BatchContext is what notifications need to know about a batch.
type BatchContext struct {
	OwnerID     string
	CallbackURL string
}

// BatchDetail is a batch with its jobs and their current aggregate.
type BatchDetail struct {
	Batch      *jobs.Batch       `json:"batch"`
	Jobs       []*jobs.Job       `json:"jobs"`
	Evaluation *batch.Evaluation `json:"evaluation"`
}

type Config struct {
	Store      jobs.Store
	Dispatcher *dispatch.Dispatcher
	Local      *provider.LocalStrategy // optional; its completions are routed to HandleWebhook
	Uploader   storage.Uploader        // optional; nil skips the artifact handoff
	Notifier   notify.Sink             // optional; nil logs events

	DispatchConcurrency int
	ContextCacheSize    int
	ContextCacheTTL     time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

type Orchestrator struct {
	store       jobs.Store
	dispatcher  *dispatch.Dispatcher
	local       *provider.LocalStrategy
	uploader    storage.Uploader
	notifier    notify.Sink
	evaluator   *batch.Evaluator
	webhooks    *webhook.Handler
	contexts    *ttlcache.Cache[string, BatchContext]
	concurrency int
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Dispatcher == nil {
		return nil, errors.New("orchestrator: store and dispatcher are required")
	}
	if cfg.DispatchConcurrency <= 0 {
		cfg.DispatchConcurrency = DefaultDispatchConcurrency
	}
	if cfg.ContextCacheSize <= 0 {
		cfg.ContextCacheSize = DefaultContextCacheSize
	}
	if cfg.ContextCacheTTL <= 0 {
		cfg.ContextCacheTTL = DefaultContextCacheTTL
	}

	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "orchestrator")
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogSink(cfg.Logger)
	}

	o := &Orchestrator{
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		local:       cfg.Local,
		uploader:    cfg.Uploader,
		notifier:    notifier,
		evaluator:   batch.NewEvaluator(cfg.Store),
		contexts:    ttlcache.New[string, BatchContext](cfg.ContextCacheSize, cfg.ContextCacheTTL),
		concurrency: cfg.DispatchConcurrency,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
	o.webhooks = webhook.NewHandler(cfg.Store, o, cfg.Logger, cfg.Metrics)
	if cfg.Local != nil {
		cfg.Local.OnCompletion(o.HandleWebhook)
	}
	return o, nil
}

// Submit validates and persists a batch, then dispatches its jobs with
// bounded concurrency. It returns once every job is either settled or
// waiting on a provider; dispatch failures end up on the jobs, not in the
// returned error.
func (o *Orchestrator) Submit(ctx context.Context, req CreateBatchRequest) (*jobs.Batch, []*jobs.Job, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}

	b := &jobs.Batch{ID: jobs.NewID(), OwnerID: req.OwnerID, CallbackURL: req.CallbackURL}
	members := make([]*jobs.Job, len(req.Jobs))
	for i, jr := range req.Jobs {
		members[i] = &jobs.Job{
			ID:           jobs.NewID(),
			Payload:      jr.Payload,
			DurationHint: jr.DurationSec,
		}
	}
	if err := o.store.CreateBatch(ctx, b, members); err != nil {
		return nil, nil, fmt.Errorf("create batch: %w", err)
	}
	o.contexts.Set(b.ID, BatchContext{OwnerID: b.OwnerID, CallbackURL: b.CallbackURL})
	logging.WithBatchID(o.logger, b.ID).Info("batch created", "owner_id", b.OwnerID, "jobs", len(members))

	o.dispatchAll(ctx, members)

	current, err := o.store.GetBatch(ctx, b.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("reload batch: %w", err)
	}
	jobList, err := o.store.ListJobsByBatch(ctx, b.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("reload jobs: %w", err)
	}
	return current, jobList, nil
}

func validate(req CreateBatchRequest) error {
	if len(req.Jobs) == 0 {
		return fmt.Errorf("%w: a batch needs at least one job", ErrInvalidRequest)
	}
	if len(req.Jobs) > MaxJobsPerBatch {
		return fmt.Errorf("%w: at most %d jobs per batch", ErrInvalidRequest, MaxJobsPerBatch)
	}
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: callback_url must be an http(s) URL", ErrInvalidRequest)
		}
	}
	for i, jr := range req.Jobs {
		if len(jr.Payload) > 0 && !json.Valid(jr.Payload) {
			return fmt.Errorf("%w: job %d payload is not valid JSON", ErrInvalidRequest, i+1)
		}
		if jr.DurationSec < 0 {
			return fmt.Errorf("%w: job %d duration_sec is negative", ErrInvalidRequest, i+1)
		}
	}
	return nil
}

func (o *Orchestrator) dispatchAll(ctx context.Context, members []*jobs.Job) {
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, job := range members {
		g.Go(func() error {
			o.dispatchOne(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) dispatchOne(ctx context.Context, job *jobs.Job) {
	logger := logging.WithBatchID(logging.WithJobID(o.logger, job.ID), job.BatchID)

	res, err := o.dispatcher.Dispatch(ctx, job)
	var dispErr *dispatch.Error
	if err != nil && !errors.As(err, &dispErr) {
		logger.Error("dispatch failed", "error", err)
		o.failStuck(ctx, logger, job.ID, err)
		return
	}
	if res == nil || !res.Settled() {
		return
	}
	if err := o.Settle(ctx, res.Job); err != nil {
		logger.Error("settle after dispatch failed", "error", err)
	}
}

// failStuck fails a job whose dispatch broke off on a store error, so it
// is not left processing without a provider handle.
func (o *Orchestrator) failStuck(ctx context.Context, logger *slog.Logger, jobID string, cause error) {
	applied, err := o.store.UpdateJob(ctx, jobID,
		jobs.JobCondition{Statuses: jobs.MutableStatuses, CorrelationID: jobs.Ptr("")},
		jobs.JobUpdate{Status: jobs.Ptr(jobs.StatusFailed), Error: jobs.Ptr("dispatch error: " + cause.Error())})
	if err != nil || !applied {
		return
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	if err := o.Settle(ctx, job); err != nil {
		logger.Error("settle after dispatch error failed", "error", err)
	}
}

// HandleWebhook applies a normalized provider completion.
func (o *Orchestrator) HandleWebhook(ctx context.Context, p webhook.Payload, fallbackJobID string) (webhook.Outcome, error) {
	return o.webhooks.Handle(ctx, p, fallbackJobID)
}

func (o *Orchestrator) Evaluate(ctx context.Context, batchID string) (*batch.Evaluation, error) {
	return o.evaluator.Evaluate(ctx, batchID)
}

func (o *Orchestrator) GetBatch(ctx context.Context, id string) (*BatchDetail, error) {
	b, err := o.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	members, err := o.store.ListJobsByBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	ev, err := batch.Evaluate(id, members)
	if err != nil {
		return nil, err
	}
	return &BatchDetail{Batch: b, Jobs: members, Evaluation: ev}, nil
}

func (o *Orchestrator) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (o *Orchestrator) ListBatches(ctx context.Context, limit int) ([]*jobs.Batch, error) {
	return o.store.ListBatches(ctx, limit)
}

// batchContext resolves notification details, from the cache when possible.
func (o *Orchestrator) batchContext(ctx context.Context, batchID string) (BatchContext, error) {
	return o.contexts.GetOrLoad(ctx, batchID, func(ctx context.Context) (BatchContext, error) {
		b, err := o.store.GetBatch(ctx, batchID)
		if err != nil {
			return BatchContext{}, err
		}
		if b == nil {
			return BatchContext{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
		}
		return BatchContext{OwnerID: b.OwnerID, CallbackURL: b.CallbackURL}, nil
	})
}
