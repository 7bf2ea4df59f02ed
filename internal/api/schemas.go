package api

import (
	"encoding/json"
	"time"

	"github.com/estatereel/renderd/internal/batch"
	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/renderqueue"
)

type HealthResponse struct {
	Status   string       `json:"status"`
	Version  string       `json:"version"`
	UptimeS  int64        `json:"uptime_s"`
	Database string       `json:"database"`
	Renders  *RenderStats `json:"renders,omitempty"`
}

type RenderStats struct {
	Queued        int `json:"queued"`
	InProgress    int `json:"in_progress"`
	MaxConcurrent int `json:"max_concurrent"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type FailBatchRequest struct {
	Reason string `json:"reason,omitempty"`
}

type BatchResponse struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type JobResponse struct {
	ID            string          `json:"id"`
	BatchID       string          `json:"batch_id"`
	Position      int             `json:"position"`
	Status        string          `json:"status"`
	Provider      string          `json:"provider,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Attempts      int             `json:"attempts"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OutputURL     string          `json:"output_url,omitempty"`
	ThumbnailURL  string          `json:"thumbnail_url,omitempty"`
	DurationSec   float64         `json:"duration_sec,omitempty"`
	SizeBytes     int64           `json:"size_bytes,omitempty"`
	ArtifactURL   string          `json:"artifact_url,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

type SubmitBatchResponse struct {
	Batch BatchResponse `json:"batch"`
	Jobs  []JobResponse `json:"jobs"`
}

type BatchDetailResponse struct {
	Batch      BatchResponse     `json:"batch"`
	Jobs       []JobResponse     `json:"jobs"`
	Evaluation *batch.Evaluation `json:"evaluation,omitempty"`
}

type BatchesResponse struct {
	Batches []BatchResponse `json:"batches"`
}

type RenderResponse struct {
	ID         string              `json:"id"`
	JobID      string              `json:"job_id,omitempty"`
	BatchID    string              `json:"batch_id,omitempty"`
	Status     string              `json:"status"`
	Progress   int                 `json:"progress"`
	Result     *renderqueue.Result `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  string              `json:"created_at"`
	StartedAt  string              `json:"started_at,omitempty"`
	FinishedAt string              `json:"finished_at,omitempty"`
}

type RendersResponse struct {
	Renders []RenderResponse `json:"renders"`
}

type WebhookResponse struct {
	Outcome string `json:"outcome"`
}

func BatchToResponse(b *jobs.Batch) BatchResponse {
	resp := BatchResponse{
		ID:          b.ID,
		OwnerID:     b.OwnerID,
		CallbackURL: b.CallbackURL,
		Status:      b.Status,
		Reason:      b.Reason,
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   b.UpdatedAt.Format(time.RFC3339),
	}
	if b.CompletedAt != nil {
		resp.CompletedAt = b.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func JobToResponse(j *jobs.Job) JobResponse {
	return JobResponse{
		ID:            j.ID,
		BatchID:       j.BatchID,
		Position:      j.Position,
		Status:        j.Status,
		Provider:      j.Provider,
		CorrelationID: j.CorrelationID,
		Attempts:      j.Attempts,
		Payload:       j.Payload,
		OutputURL:     j.OutputURL,
		ThumbnailURL:  j.ThumbnailURL,
		DurationSec:   j.DurationSec,
		SizeBytes:     j.SizeBytes,
		ArtifactURL:   j.ArtifactURL,
		Error:         j.Error,
		CreatedAt:     j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.Format(time.RFC3339),
	}
}

func JobsToResponse(list []*jobs.Job) []JobResponse {
	out := make([]JobResponse, len(list))
	for i, j := range list {
		out[i] = JobToResponse(j)
	}
	return out
}

func RenderToResponse(e renderqueue.Entry) RenderResponse {
	resp := RenderResponse{
		ID:        e.ID,
		JobID:     e.Request.Labels["job_id"],
		BatchID:   e.Request.Labels["batch_id"],
		Status:    e.Status,
		Progress:  e.Progress,
		Result:    e.Result,
		Error:     e.Error,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
	if e.StartedAt != nil {
		resp.StartedAt = e.StartedAt.Format(time.RFC3339)
	}
	if e.FinishedAt != nil {
		resp.FinishedAt = e.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

type CancelRenderResponse struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id,omitempty"`
	Canceled bool   `json:"canceled"`
}
