// Package provider implements the render strategies the dispatcher tries in
// order: remote HTTP generation APIs and the local render queue.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/estatereel/renderd/internal/jobs"
)

// Request is what a strategy needs to start rendering a job.
type Request struct {
	JobID            string
	BatchID          string
	Payload          json.RawMessage
	ExpectedDuration time.Duration
}

// RequestFor builds the Request for job.
func RequestFor(job *jobs.Job) Request {
	return Request{
		JobID:            job.ID,
		BatchID:          job.BatchID,
		Payload:          job.Payload,
		ExpectedDuration: job.ExpectedDuration(),
	}
}

// Attempt is an accepted render. Output is set when the provider finished
// synchronously; otherwise CorrelationID is the handle a later webhook will
// carry.
type Attempt struct {
	Output        *jobs.Output
	CorrelationID string
}

func (a Attempt) Immediate() bool {
	return a.Output != nil
}

// Strategy is one way to render a job.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, req Request) (Attempt, error)
}

// Error is a synchronous strategy failure. Permanent marks rejections
// (bad input, quota, policy) as opposed to exhausted transient failures;
// either way the dispatcher moves on to the next strategy.
type Error struct {
	Provider      string
	Permanent     bool
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	kind := "unavailable"
	if e.Permanent {
		kind = "rejected"
	}
	return fmt.Sprintf("provider %s %s: %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
