package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/orchestrator"
	"github.com/estatereel/renderd/internal/playback"
)

const (
	maxRequestBytes    = 4 << 20
	defaultBatchLimit  = 50
	maxBatchLimit      = 500
	notConfiguredError = "local renders are not configured"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Post("/webhooks/{provider}", webhookHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIToken, cfg.Logger))

		r.Post("/batches", submitBatchHandler(cfg))
		r.Get("/batches", listBatchesHandler(cfg))
		r.Get("/batches/{id}", getBatchHandler(cfg))
		r.Post("/batches/{id}/fail", failBatchHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Post("/jobs/{id}/cancel", cancelJobHandler(cfg))
		r.Get("/jobs/{id}/video", jobVideoHandler(cfg))
		r.Get("/renders", listRendersHandler(cfg))
		r.Get("/renders/{id}", getRenderHandler(cfg))
		r.Delete("/renders/{id}", cancelRenderHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  int64(time.Since(cfg.StartTime).Seconds()),
			Database: "ok",
		}
		status := http.StatusOK
		if cfg.Database != nil {
			if err := cfg.Database.Check(r.Context()); err != nil {
				cfg.Logger.Warn("database health check failed", "error", err)
				resp.Status = "degraded"
				resp.Database = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}
		if cfg.Renders != nil {
			st := cfg.Renders.Stats()
			resp.Renders = &RenderStats{Queued: st.Queued, InProgress: st.InProgress, MaxConcurrent: st.MaxConcurrent}
		}
		WriteJSON(w, status, resp)
	}
}

func submitBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.CreateBatchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
			return
		}

		b, members, err := cfg.Service.Submit(r.Context(), req)
		if err != nil {
			writeServiceError(cfg, w, err, "failed to submit batch")
			return
		}

		WriteJSON(w, http.StatusAccepted, SubmitBatchResponse{
			Batch: BatchToResponse(b),
			Jobs:  JobsToResponse(members),
		})
	}
}

func listBatchesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultBatchLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "INVALID_REQUEST")
				return
			}
			limit = min(n, maxBatchLimit)
		}

		list, err := cfg.Service.ListBatches(r.Context(), limit)
		if err != nil {
			writeServiceError(cfg, w, err, "failed to list batches")
			return
		}

		resp := BatchesResponse{Batches: make([]BatchResponse, len(list))}
		for i, b := range list {
			resp.Batches[i] = BatchToResponse(b)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := cfg.Service.GetBatch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(cfg, w, err, "failed to get batch")
			return
		}

		WriteJSON(w, http.StatusOK, BatchDetailResponse{
			Batch:      BatchToResponse(detail.Batch),
			Jobs:       JobsToResponse(detail.Jobs),
			Evaluation: detail.Evaluation,
		})
	}
}

func failBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FailBatchRequest
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
			return
		}

		b, err := cfg.Service.FailBatch(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeServiceError(cfg, w, err, "failed to fail batch")
			return
		}
		WriteJSON(w, http.StatusOK, BatchToResponse(b))
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Service.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(cfg, w, err, "failed to get job")
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func cancelJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Service.CancelJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(cfg, w, err, "failed to cancel job")
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

// jobVideoHandler redirects to a remote artifact or streams a local render.
func jobVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Service.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(cfg, w, err, "failed to get job")
			return
		}
		if job.Status != jobs.StatusCompleted {
			WriteError(w, http.StatusConflict, "job is "+job.Status, "CONFLICT")
			return
		}

		target := job.ArtifactURL
		if target == "" {
			target = job.OutputURL
		}
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		if cfg.Playback == nil {
			WriteError(w, http.StatusNotFound, "video not available", "NOT_FOUND")
			return
		}

		err = cfg.Playback.ServeRender(w, r, target)
		switch {
		case err == nil:
		case errors.Is(err, playback.ErrNotLocal), errors.Is(err, playback.ErrOutsideRoot), errors.Is(err, os.ErrNotExist):
			WriteError(w, http.StatusNotFound, "video not available", "NOT_FOUND")
		default:
			cfg.Logger.Error("failed to serve render", "job_id", job.ID, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to serve video", "INTERNAL_ERROR")
		}
	}
}

func listRendersHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Renders == nil {
			WriteError(w, http.StatusNotFound, notConfiguredError, "NOT_FOUND")
			return
		}
		entries := cfg.Renders.List()
		resp := RendersResponse{Renders: make([]RenderResponse, len(entries))}
		for i, e := range entries {
			resp.Renders[i] = RenderToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getRenderHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Renders == nil {
			WriteError(w, http.StatusNotFound, notConfiguredError, "NOT_FOUND")
			return
		}
		e, ok := cfg.Renders.Get(chi.URLParam(r, "id"))
		if !ok {
			WriteError(w, http.StatusNotFound, "render not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, RenderToResponse(e))
	}
}

// cancelRenderHandler cancels the job that owns the render, so the job and
// its batch settle. A render whose job has moved on is stopped directly.
func cancelRenderHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Renders == nil {
			WriteError(w, http.StatusNotFound, notConfiguredError, "NOT_FOUND")
			return
		}
		id := chi.URLParam(r, "id")
		e, ok := cfg.Renders.Get(id)
		if !ok {
			WriteError(w, http.StatusNotFound, "render not found", "NOT_FOUND")
			return
		}

		resp := CancelRenderResponse{ID: id, JobID: e.Request.Labels["job_id"]}
		if resp.JobID != "" {
			job, err := cfg.Service.GetJob(r.Context(), resp.JobID)
			if err != nil && !errors.Is(err, orchestrator.ErrNotFound) {
				writeServiceError(cfg, w, err, "failed to get job")
				return
			}
			if job != nil && job.CorrelationID == id && !job.IsTerminal() {
				if _, err := cfg.Service.CancelJob(r.Context(), job.ID); err == nil {
					resp.Canceled = true
				} else if !errors.Is(err, orchestrator.ErrAlreadyTerminal) {
					writeServiceError(cfg, w, err, "failed to cancel job")
					return
				}
			}
		}
		if !resp.Canceled {
			resp.Canceled = cfg.Renders.Cancel(id)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func writeServiceError(cfg ServerConfig, w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
	case errors.Is(err, orchestrator.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
	default:
		cfg.Logger.Error(message, "error", err)
		WriteError(w, http.StatusInternalServerError, message, "INTERNAL_ERROR")
	}
}
