// Package api exposes renderd over HTTP: batch submission and inspection,
// job control, the local render queue and provider webhooks.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/orchestrator"
	"github.com/estatereel/renderd/internal/playback"
	"github.com/estatereel/renderd/internal/renderqueue"
	"github.com/estatereel/renderd/internal/webhook"
)

// Service is the orchestration surface the handlers drive.
type Service interface {
	Submit(ctx context.Context, req orchestrator.CreateBatchRequest) (*jobs.Batch, []*jobs.Job, error)
	ListBatches(ctx context.Context, limit int) ([]*jobs.Batch, error)
	GetBatch(ctx context.Context, id string) (*orchestrator.BatchDetail, error)
	FailBatch(ctx context.Context, id, reason string) (*jobs.Batch, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	CancelJob(ctx context.Context, id string) (*jobs.Job, error)
	HandleWebhook(ctx context.Context, p webhook.Payload, fallbackJobID string) (webhook.Outcome, error)
}

// RenderQueue is the read side of the local render queue.
type RenderQueue interface {
	Get(id string) (renderqueue.Entry, bool)
	List() []renderqueue.Entry
	Stats() renderqueue.Stats
	Cancel(id string) bool
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// WebhookSource describes how to read one provider's webhooks. An empty
// Secret disables signature verification.
type WebhookSource struct {
	Format string
	Secret string
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port      int
	Service   Service
	Renders   RenderQueue // optional; nil when no local provider is configured
	Playback  *playback.Server
	Webhooks  map[string]WebhookSource
	APIToken  string
	Database  HealthChecker
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0,
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
