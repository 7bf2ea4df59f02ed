package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/renderqueue"
	"github.com/estatereel/renderd/internal/webhook"
)

// LocalCorrelationPrefix marks correlation ids minted for the local queue.
const LocalCorrelationPrefix = "local-"

// CompletionFunc feeds a completion notice into the webhook pathway.
type CompletionFunc func(ctx context.Context, p webhook.Payload, fallbackJobID string) (webhook.Outcome, error)

// LocalStrategy renders through the in-process queue. Queue completions are
// turned into webhook payloads, so local and remote results settle through
// the same handler.
type LocalStrategy struct {
	name   string
	logger *slog.Logger

	mu       sync.RWMutex
	queue    *renderqueue.Queue
	complete CompletionFunc
}

func NewLocalStrategy(name string, logger *slog.Logger) *LocalStrategy {
	return &LocalStrategy{
		name:   name,
		logger: logging.WithComponent(logging.OrDiscard(logger), "provider").With("provider", name),
	}
}

func (s *LocalStrategy) Name() string {
	return s.name
}

// Use attaches the queue renders are submitted to.
func (s *LocalStrategy) Use(q *renderqueue.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

// OnCompletion sets where finished renders are reported.
func (s *LocalStrategy) OnCompletion(fn CompletionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = fn
}

// Hooks returns the queue hooks that report finished renders.
func (s *LocalStrategy) Hooks() renderqueue.Hooks {
	return renderqueue.Hooks{OnComplete: s.handleComplete}
}

func (s *LocalStrategy) Attempt(ctx context.Context, req Request) (Attempt, error) {
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()
	if q == nil {
		return Attempt{}, &Error{Provider: s.name, Permanent: true, Err: errors.New("local render queue not configured")}
	}

	cid := LocalCorrelationPrefix + uuid.NewString()
	_, err := q.Submit(renderqueue.Request{
		ID:               cid,
		Payload:          req.Payload,
		ExpectedDuration: req.ExpectedDuration,
		Labels: map[string]string{
			"job_id":   req.JobID,
			"batch_id": req.BatchID,
		},
	})
	if err != nil {
		return Attempt{}, &Error{Provider: s.name, Permanent: errors.Is(err, renderqueue.ErrClosed), Err: err}
	}

	s.logger.Info("render queued", "job_id", req.JobID, "correlation_id", cid)
	return Attempt{CorrelationID: cid}, nil
}

// Cancel stops the render with correlationID if it is still queued or running.
func (s *LocalStrategy) Cancel(correlationID string) bool {
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()
	if q == nil || correlationID == "" {
		return false
	}
	return q.Cancel(correlationID)
}

func (s *LocalStrategy) handleComplete(ctx context.Context, e renderqueue.Entry) error {
	s.mu.RLock()
	complete := s.complete
	s.mu.RUnlock()
	if complete == nil {
		return errors.New("no completion handler attached")
	}

	p := webhook.Payload{Provider: s.name, CorrelationID: e.ID}
	if e.Status == renderqueue.StatusCompleted && e.Result != nil {
		p.Status = webhook.StatusOK
		p.Output = &jobs.Output{
			URL:          e.Result.URL,
			ThumbnailURL: e.Result.ThumbnailURL,
			DurationSec:  e.Result.DurationSec,
			SizeBytes:    e.Result.SizeBytes,
		}
	} else {
		p.Status = webhook.StatusError
		p.Error = e.Error
	}

	_, err := complete(ctx, p, e.Request.Labels["job_id"])
	return err
}
