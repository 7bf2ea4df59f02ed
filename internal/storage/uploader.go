// Package storage hands finished renders over to the object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/transfer"
)

const defaultExt = ".mp4"

// ErrLocalOutput rejects a file:// output that did not come from the local
// renderer or points outside its output directory.
var ErrLocalOutput = errors.New("local output not allowed")

// Uploader persists a completed job's output and returns where it now lives.
type Uploader interface {
	Store(ctx context.Context, job *jobs.Job) (string, error)
}

type Config struct {
	BaseURL    string // artifacts are PUT to <BaseURL>/<batch_id>/<job_id><ext>
	Token      string
	Policy     transfer.Policy
	HTTPClient *http.Client
	Logger     *slog.Logger

	// file:// outputs are read only for jobs of LocalProvider and only
	// below LocalRoot. Both empty disables local uploads.
	LocalProvider string
	LocalRoot     string
}

// HTTPUploader copies the output with retried transfers: a download from
// the provider (or a file:// URL written by the local renderer under its
// output directory) followed by an HTTP PUT.
type HTTPUploader struct {
	baseURL       string
	token         string
	localProvider string
	localRoot     string
	client        *transfer.Client
	logger        *slog.Logger
}

func NewHTTPUploader(cfg Config) (*HTTPUploader, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid storage url %q", cfg.BaseURL)
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = transfer.DefaultPolicy()
	}

	var localRoot string
	if cfg.LocalRoot != "" {
		abs, err := filepath.Abs(cfg.LocalRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve local output directory: %w", err)
		}
		localRoot = abs
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if localRoot != "" {
			// Paths handed to this transport are relative to the root.
			t.RegisterProtocol("file", http.NewFileTransport(http.Dir(localRoot)))
		}
		httpClient = &http.Client{Transport: t}
	}

	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "storage")
	return &HTTPUploader{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		localProvider: cfg.LocalProvider,
		localRoot:     localRoot,
		client:        transfer.NewClient(httpClient, cfg.Policy, logger),
		logger:        logger,
	}, nil
}

func (u *HTTPUploader) Store(ctx context.Context, job *jobs.Job) (string, error) {
	if job.OutputURL == "" {
		return "", fmt.Errorf("job %s has no output to store", job.ID)
	}

	source, err := u.sourceURL(job)
	if err != nil {
		return "", err
	}

	data, err := u.client.Download(ctx, transfer.Descriptor{
		URL:          source,
		ExpectedSize: job.SizeBytes,
		Validate:     nonEmpty,
	})
	if err != nil {
		return "", fmt.Errorf("download output: %w", err)
	}

	target := u.TargetURL(job)
	header := http.Header{}
	if u.token != "" {
		header.Set("Authorization", "Bearer "+u.token)
	}
	if err := u.client.Upload(ctx, transfer.Descriptor{
		URL:          target,
		Header:       header,
		ContentType:  "video/mp4",
		ExpectedSize: int64(len(data)),
	}, data); err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}

	u.logger.Info("artifact stored",
		"job_id", job.ID,
		"batch_id", job.BatchID,
		"source", logging.SanitizeURL(job.OutputURL),
		"bytes", len(data),
	)
	return target, nil
}

// sourceURL returns the URL to download job's output from. Remote outputs
// must be http(s). A file:// output is accepted only from the local
// provider and is rewritten relative to the local root.
func (u *HTTPUploader) sourceURL(job *jobs.Job) (string, error) {
	parsed, err := url.Parse(job.OutputURL)
	if err != nil {
		return "", fmt.Errorf("%w: output url: %v", transfer.ErrInvalidTarget, err)
	}
	switch parsed.Scheme {
	case "http", "https":
		return job.OutputURL, nil
	case "file":
	default:
		return "", fmt.Errorf("%w: unsupported output scheme %q", transfer.ErrInvalidTarget, parsed.Scheme)
	}

	if u.localRoot == "" || u.localProvider == "" || job.Provider != u.localProvider {
		return "", fmt.Errorf("%w: job %s from provider %q", ErrLocalOutput, job.ID, job.Provider)
	}
	rel, err := filepath.Rel(u.localRoot, filepath.Clean(parsed.Path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrLocalOutput, parsed.Path, u.localRoot)
	}
	return (&url.URL{Scheme: "file", Path: "/" + filepath.ToSlash(rel)}).String(), nil
}

// TargetURL is where the artifact of job is stored.
func (u *HTTPUploader) TargetURL(job *jobs.Job) string {
	return u.baseURL + "/" + url.PathEscape(job.BatchID) + "/" + url.PathEscape(job.ID) + outputExt(job.OutputURL)
}

func outputExt(rawURL string) string {
	p := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		p = parsed.Path
	}
	ext := path.Ext(p)
	if ext == "" || len(ext) > 5 {
		return defaultExt
	}
	return strings.ToLower(ext)
}

func nonEmpty(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty artifact")
	}
	return nil
}
