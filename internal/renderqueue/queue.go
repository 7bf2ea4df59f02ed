// Package renderqueue runs local renders with a fixed concurrency limit.
//
// Admitted entries run in their own goroutine. Cancellation is cooperative:
// canceling an in-progress entry cancels the context passed to the
// RenderFunc, and the RenderFunc must check ctx.Done() at least once per
// processed segment. The queue never kills the work itself.
package renderqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/telemetry"
	"github.com/estatereel/renderd/internal/ttlcache"
)

const (
	StatusQueued     = "queued"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	DefaultMaxConcurrent = 2
	DefaultRetention     = 30 * time.Minute
	DefaultRetentionSize = 512
)

// CanceledMessage is the error recorded on entries stopped by Cancel or Shutdown.
const CanceledMessage = "canceled"

var (
	ErrDuplicateID = errors.New("render id already in use")
	ErrClosed      = errors.New("render queue is shut down")
)

type Request struct {
	ID               string            `json:"id"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	ExpectedDuration time.Duration     `json:"expected_duration"`
	Labels           map[string]string `json:"labels,omitempty"`
}

type Result struct {
	URL          string  `json:"url"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	DurationSec  float64 `json:"duration_sec,omitempty"`
	SizeBytes    int64   `json:"size_bytes,omitempty"`
}

// Entry is a snapshot of one render.
type Entry struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	Request    Request    `json:"request"`
	Result     *Result    `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RenderFunc performs one render. report takes a completion fraction in
// [0, 1]. The function must return promptly once ctx is done.
type RenderFunc func(ctx context.Context, req Request, report func(fraction float64)) (*Result, error)

// Hook observes an entry transition. Errors and panics are logged and
// otherwise ignored.
type Hook func(ctx context.Context, e Entry) error

type Hooks struct {
	OnStart    Hook
	OnProgress Hook
	// OnComplete fires once per finished entry, including queued entries
	// dropped by Shutdown. Entries removed by Cancel while queued never fire.
	OnComplete Hook
}

type Config struct {
	MaxConcurrent int
	Render        RenderFunc
	Hooks         Hooks
	Retention     time.Duration // how long finished entries stay visible to Get
	RetentionSize int
	Logger        *slog.Logger
	Metrics       *telemetry.Metrics
}

type Stats struct {
	Queued        int `json:"queued"`
	InProgress    int `json:"in_progress"`
	MaxConcurrent int `json:"max_concurrent"`
}

type item struct {
	entry    Entry
	cancel   context.CancelFunc
	canceled bool
}

type Queue struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	hookCtx context.Context

	mu       sync.Mutex
	items    map[string]*item // queued and in-progress
	pending  []string         // FIFO of queued ids
	active   int
	closed   bool
	finished *ttlcache.Cache[string, Entry]
	wg       sync.WaitGroup
}

func New(cfg Config) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.RetentionSize <= 0 {
		cfg.RetentionSize = DefaultRetentionSize
	}
	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "renderqueue")

	return &Queue{
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		hookCtx:  context.Background(),
		items:    make(map[string]*item),
		finished: ttlcache.New[string, Entry](cfg.RetentionSize, cfg.Retention),
	}
}

// Submit records req as queued and starts it when a slot is free. An empty
// req.ID is replaced with a generated one.
func (q *Queue) Submit(req Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	if _, ok := q.items[req.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	if _, ok := q.finished.Get(req.ID); ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}

	q.items[req.ID] = &item{entry: Entry{
		ID:        req.ID,
		Status:    StatusQueued,
		Request:   req,
		CreatedAt: time.Now(),
	}}
	q.pending = append(q.pending, req.ID)
	q.logger.Debug("render queued", "render_id", req.ID, "pending", len(q.pending))

	q.advanceLocked()
	return req.ID, nil
}

// advanceLocked admits pending entries while slots are free.
func (q *Queue) advanceLocked() {
	for q.active < q.cfg.MaxConcurrent && len(q.pending) > 0 && !q.closed {
		id := q.pending[0]
		q.pending = q.pending[1:]

		it, ok := q.items[id]
		if !ok {
			continue
		}

		now := time.Now()
		ctx, cancel := context.WithCancel(context.Background())
		it.cancel = cancel
		it.entry.Status = StatusInProgress
		it.entry.StartedAt = &now
		q.active++

		q.wg.Add(1)
		go q.run(ctx, it, it.entry)
	}
}

func (q *Queue) run(ctx context.Context, it *item, started Entry) {
	defer q.wg.Done()

	q.logger.Info("render started", "render_id", started.ID)
	q.fire("start", q.cfg.Hooks.OnStart, started)

	report := func(fraction float64) {
		q.reportProgress(it, fraction)
	}
	result, err := q.render(ctx, started.Request, report)
	q.finish(it, result, err)
}

func (q *Queue) render(ctx context.Context, req Request, report func(float64)) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render panicked: %v", r)
		}
	}()
	if q.cfg.Render == nil {
		return nil, errors.New("no renderer configured")
	}
	return q.cfg.Render(ctx, req, report)
}

func (q *Queue) reportProgress(it *item, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	q.mu.Lock()
	if it.entry.Status != StatusInProgress {
		q.mu.Unlock()
		return
	}
	it.entry.Progress = int(fraction * 100)
	snapshot := it.entry
	q.mu.Unlock()

	q.fire("progress", q.cfg.Hooks.OnProgress, snapshot)
}

func (q *Queue) finish(it *item, result *Result, err error) {
	now := time.Now()

	q.mu.Lock()
	switch {
	case it.canceled:
		it.entry.Status = StatusFailed
		it.entry.Error = CanceledMessage
	case err != nil:
		it.entry.Status = StatusFailed
		it.entry.Error = err.Error()
	case result == nil:
		it.entry.Status = StatusFailed
		it.entry.Error = "render produced no result"
	default:
		it.entry.Status = StatusCompleted
		it.entry.Progress = 100
		it.entry.Result = result
	}
	it.entry.FinishedAt = &now
	if it.cancel != nil {
		it.cancel()
	}

	delete(q.items, it.entry.ID)
	q.active--
	q.finished.Set(it.entry.ID, it.entry)
	snapshot := it.entry
	q.advanceLocked()
	q.mu.Unlock()

	var elapsed time.Duration
	if snapshot.StartedAt != nil {
		elapsed = now.Sub(*snapshot.StartedAt)
	}
	q.metrics.RenderFinished(q.hookCtx, snapshot.Status, elapsed)

	if snapshot.Status == StatusFailed {
		q.logger.Warn("render failed", "render_id", snapshot.ID, "error", snapshot.Error)
	} else {
		q.logger.Info("render completed", "render_id", snapshot.ID, "elapsed_ms", elapsed.Milliseconds())
	}
	q.fire("complete", q.cfg.Hooks.OnComplete, snapshot)
}

func (q *Queue) fire(name string, hook Hook, e Entry) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("render hook panicked", "hook", name, "render_id", e.ID, "panic", r)
		}
	}()
	if err := hook(q.hookCtx, e); err != nil {
		q.logger.Warn("render hook failed", "hook", name, "render_id", e.ID, "error", err)
	}
}

// Cancel stops the entry with id. A queued entry is removed and never runs;
// an in-progress entry has its context canceled and ends failed once the
// RenderFunc returns. It returns false for unknown or finished entries.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return false
	}

	switch it.entry.Status {
	case StatusQueued:
		q.removePendingLocked(id)
		delete(q.items, id)
		q.logger.Info("queued render canceled", "render_id", id)
		return true
	case StatusInProgress:
		if !it.canceled {
			it.canceled = true
			it.cancel()
			q.logger.Info("in-progress render canceled", "render_id", id)
		}
		return true
	}
	return false
}

func (q *Queue) removePendingLocked(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Get returns the current or recently finished entry with id.
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.items[id]; ok {
		return it.entry, true
	}
	return q.finished.Get(id)
}

// List returns queued and in-progress entries, oldest first.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	entries := make([]Entry, 0, len(q.items))
	for _, it := range q.items {
		entries = append(entries, it.entry)
	}
	q.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:        len(q.pending),
		InProgress:    q.active,
		MaxConcurrent: q.cfg.MaxConcurrent,
	}
}

// Shutdown stops admission, fails queued entries, cancels in-progress
// renders and waits for them to return or for ctx to end.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true

	var dropped []Entry
	now := time.Now()
	for _, id := range q.pending {
		it, ok := q.items[id]
		if !ok {
			continue
		}
		it.entry.Status = StatusFailed
		it.entry.Error = CanceledMessage
		it.entry.FinishedAt = &now
		delete(q.items, id)
		q.finished.Set(id, it.entry)
		dropped = append(dropped, it.entry)
	}
	q.pending = nil

	for _, it := range q.items {
		if it.entry.Status == StatusInProgress && !it.canceled {
			it.canceled = true
			it.cancel()
		}
	}
	q.mu.Unlock()

	for _, e := range dropped {
		q.fire("complete", q.cfg.Hooks.OnComplete, e)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("render queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
