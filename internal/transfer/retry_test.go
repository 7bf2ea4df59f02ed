package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestRetrier(maxAttempts int, base time.Duration) (*Retrier, *sleepRecorder) {
	rec := &sleepRecorder{}
	r := NewRetrier(Policy{MaxAttempts: maxAttempts, BaseDelay: base}, nil)
	r.sleep = rec.sleep
	return r, rec
}

func TestBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(base, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%v, %d) = %v, want %v", base, tt.attempt, got, tt.want)
		}
	}
}

func TestRetrier_ExhaustsAttemptsWithExponentialDelays(t *testing.T) {
	r, rec := newTestRetrier(3, 500*time.Millisecond)

	calls := 0
	var last error
	err := r.Do(context.Background(), "always-fails", func(ctx context.Context, attempt int) error {
		calls++
		last = fmt.Errorf("connection reset (attempt %d)", attempt)
		return last
	})

	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if err != last {
		t.Errorf("returned error %v is not the last attempt's error %v", err, last)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", rec.delays, want)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rec.delays[i], want[i])
		}
	}
}

func TestRetrier_SucceedsAfterTransientFailure(t *testing.T) {
	r, rec := newTestRetrier(3, 10*time.Millisecond)

	calls := 0
	err := r.Do(context.Background(), "flaky", func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			return &StatusError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 || len(rec.delays) != 1 {
		t.Errorf("calls = %d, delays = %v; want 2 calls and 1 delay", calls, rec.delays)
	}
}

func TestRetrier_PermanentErrorsShortCircuit(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", &StatusError{StatusCode: http.StatusNotFound}},
		{"forbidden", &StatusError{StatusCode: http.StatusForbidden}},
		{"bad request", &StatusError{StatusCode: http.StatusBadRequest}},
		{"invalid target sentinel", fmt.Errorf("upload: %w", ErrInvalidTarget)},
		{"canceled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newTestRetrier(5, time.Millisecond)
			calls := 0
			err := r.Do(context.Background(), "permanent", func(ctx context.Context, attempt int) error {
				calls++
				return tt.err
			})
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if len(rec.delays) != 0 {
				t.Errorf("unexpected delays %v", rec.delays)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestRetrier_StopsWhenContextCanceled(t *testing.T) {
	r, _ := newTestRetrier(5, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, "canceled", func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("network down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetrier_AppliesPerAttemptTimeout(t *testing.T) {
	r := NewRetrier(Policy{MaxAttempts: 1, Timeout: 20 * time.Millisecond}, nil)

	err := r.Do(context.Background(), "slow", func(ctx context.Context, attempt int) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("attempt context has no deadline")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain network error", errors.New("dial tcp: connection refused"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"500", &StatusError{StatusCode: 500}, true},
		{"503", &StatusError{StatusCode: 503}, true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"408", &StatusError{StatusCode: 408}, true},
		{"404", &StatusError{StatusCode: 404}, false},
		{"403", &StatusError{StatusCode: 403}, false},
		{"size mismatch", &SizeError{Expected: 10, Got: 5}, true},
		{"validation", &ValidationError{Err: errors.New("bad magic")}, true},
		{"not found sentinel", ErrNotFound, false},
		{"access denied sentinel", fmt.Errorf("x: %w", ErrAccessDenied), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusError_MatchesSentinels(t *testing.T) {
	if !errors.Is(&StatusError{StatusCode: 404}, ErrNotFound) {
		t.Error("404 should match ErrNotFound")
	}
	if !errors.Is(&StatusError{StatusCode: 401}, ErrAccessDenied) {
		t.Error("401 should match ErrAccessDenied")
	}
	if !errors.Is(&StatusError{StatusCode: 422}, ErrInvalidTarget) {
		t.Error("422 should match ErrInvalidTarget")
	}
	if errors.Is(&StatusError{StatusCode: 500}, ErrNotFound) {
		t.Error("500 must not match ErrNotFound")
	}
}
