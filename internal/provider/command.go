package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/renderqueue"
)

const (
	maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics

	DefaultProgressInterval = time.Second
	estimatedProgressCap    = 0.95
)

// CommandConfig configures a CommandRenderer.
type CommandConfig struct {
	Command          string
	Args             []string // may contain {input}, {output} and {job_id}
	OutputDir        string
	Timeout          time.Duration // zero means no limit beyond cancellation
	ProgressInterval time.Duration
	Logger           *slog.Logger
}

// CommandRenderer renders by running an external command once per job.
//
// The job payload is written to {input}; the command must write the video
// to {output}. Lines on stdout of the form "progress=<fraction or percent>",
// "duration=<seconds>" and "thumbnail=<url>" are picked up. Until the first
// progress line, progress is estimated from the job's expected duration.
// Canceling the render context kills the process.
type CommandRenderer struct {
	cfg     CommandConfig
	command string
	logger  *slog.Logger
}

func NewCommandRenderer(cfg CommandConfig) (*CommandRenderer, error) {
	if cfg.Command == "" {
		return nil, errors.New("render command is required")
	}
	command, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("cannot locate render command: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create output dir: %w", err)
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}

	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "renderer")
	logger.Info("command renderer initialised", "command", command, "output_dir", cfg.OutputDir)

	return &CommandRenderer{cfg: cfg, command: command, logger: logger}, nil
}

// Render satisfies renderqueue.RenderFunc.
func (r *CommandRenderer) Render(ctx context.Context, req renderqueue.Request, report func(float64)) (*renderqueue.Result, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	workDir := filepath.Join(r.cfg.OutputDir, req.ID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	inputPath := filepath.Join(workDir, "input.json")
	outputPath := filepath.Join(workDir, "output.mp4")

	input := req.Payload
	if len(input) == 0 {
		input = []byte("{}")
	}
	if err := os.WriteFile(inputPath, input, 0644); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	args := expandArgs(r.cfg.Args, map[string]string{
		"{input}":  inputPath,
		"{output}": outputPath,
		"{job_id}": req.Labels["job_id"],
	})

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.WaitDelay = 5 * time.Second

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	// Not an *os.File, so WaitDelay also bounds grandchildren holding stdout.
	stdoutR, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW

	start := time.Now()
	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		return nil, fmt.Errorf("start render command: %w", err)
	}

	tracker := &progressTracker{report: report}
	stopEstimate := r.estimateProgress(tracker, req.ExpectedDuration, start)
	metaCh := make(chan outputMeta, 1)
	go func() { metaCh <- scanOutput(stdoutR, tracker) }()

	waitErr := cmd.Wait()
	stdoutW.Close()
	meta := <-metaCh
	stopEstimate()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.logger.Warn("render command failed",
			"render_id", req.ID,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrBuf.String(), 512),
		)
		return nil, fmt.Errorf("render command exited %d: %s", exitCode, truncate(stderrBuf.String(), 512))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("render command produced no output: %w", err)
	}
	if info.Size() == 0 {
		return nil, errors.New("render command produced an empty output")
	}

	duration := meta.duration
	if duration <= 0 {
		duration = req.ExpectedDuration.Seconds()
	}

	r.logger.Info("render command succeeded", "render_id", req.ID, "duration_ms", elapsed.Milliseconds(), "bytes", info.Size())
	return &renderqueue.Result{
		URL:          "file://" + outputPath,
		ThumbnailURL: meta.thumbnail,
		DurationSec:  duration,
		SizeBytes:    info.Size(),
	}, nil
}

// estimateProgress reports elapsed/expected until the command reports real
// progress. The returned func stops the estimator.
func (r *CommandRenderer) estimateProgress(t *progressTracker, expected time.Duration, start time.Time) func() {
	if expected <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fraction := float64(time.Since(start)) / float64(expected)
				if fraction > estimatedProgressCap {
					fraction = estimatedProgressCap
				}
				t.estimate(fraction)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

type progressTracker struct {
	mu       sync.Mutex
	reported bool
	report   func(float64)
}

func (t *progressTracker) actual(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reported = true
	t.report(fraction)
}

func (t *progressTracker) estimate(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.reported {
		t.report(fraction)
	}
}

type outputMeta struct {
	duration  float64
	thumbnail string
}

func scanOutput(r io.Reader, t *progressTracker) outputMeta {
	var meta outputMeta
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "progress":
			if f, ok := parseProgress(value); ok {
				t.actual(f)
			}
		case "duration":
			if d, err := strconv.ParseFloat(value, 64); err == nil {
				meta.duration = d
			}
		case "thumbnail":
			meta.thumbnail = value
		}
	}
	// Drain so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	return meta
}

// parseProgress accepts "0.4", "40%" or "40".
func parseProgress(s string) (float64, bool) {
	percent := strings.HasSuffix(s, "%")
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || f < 0 {
		return 0, false
	}
	if percent || f > 1 {
		f /= 100
	}
	if f > 1 {
		f = 1
	}
	return f, true
}

func expandArgs(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter keeps only the last limit bytes written to it.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
