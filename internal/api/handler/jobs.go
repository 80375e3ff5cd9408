package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/mkowalski/jobgate/internal/api/middleware"
	"github.com/mkowalski/jobgate/internal/api/response"
	"github.com/mkowalski/jobgate/internal/store"
	"github.com/mkowalski/jobgate/internal/upload"
	"github.com/mkowalski/jobgate/internal/worker"
	"github.com/mkowalski/jobgate/pkg/models"
)

// JobSubmitter defines the intake interface the submit handler depends on.
type JobSubmitter interface {
	Submit(ctx context.Context, in upload.SubmitInput) (*models.Job, *models.ChunkUpload, error)
}

// JobReader defines the tenant-scoped job lookup the status handler
// depends on.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// Inline submissions (no declared upload) are queued immediately and get a
// fire-and-forget dispatch; chunked submissions get the upload endpoints
// back and are dispatched once their upload completes.
func NewSubmitJobHandler(svc JobSubmitter, dispatcher worker.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			Lineage         string   `json:"lineage"`
			PayloadRef      string   `json:"payload_ref"`
			ContentHash     string   `json:"content_hash"`
			TotalParts      int      `json:"total_parts"`
			DeployID        string   `json:"deploy_id"`
			RequiredDigests []string `json:"required_digests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, unit, err := svc.Submit(r.Context(), upload.SubmitInput{
			TenantID:        tenantID,
			Lineage:         req.Lineage,
			PayloadRef:      req.PayloadRef,
			ContentHash:     req.ContentHash,
			TotalParts:      req.TotalParts,
			DeployID:        req.DeployID,
			RequiredDigests: req.RequiredDigests,
		})
		if err != nil {
			if errors.Is(err, upload.ErrInvalidInput) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			slog.Error("job submission failed", "tenant_id", tenantID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			return
		}

		body := map[string]any{
			"job_id":  job.ID,
			"status":  job.Status,
			"lineage": job.Lineage,
		}
		if unit != nil {
			body["total_parts"] = unit.TotalParts
			body["upload"] = map[string]string{
				"chunk_url":    fmt.Sprintf("/api/v1/uploads/%s/chunks", job.ID),
				"complete_url": fmt.Sprintf("/api/v1/uploads/%s/complete", job.ID),
			}
		} else if dispatcher.Configured() {
			// Dispatch failures are absorbed: the job stays queued and
			// can be kicked from the status endpoint.
			if err := dispatcher.Dispatch(r.Context(), job.ID); err != nil {
				slog.Warn("submit dispatch failed", "job_id", job.ID, "error", err)
			}
		}
		response.Created(w, body)
	}
}

// jobStatusResponse is the poll payload. LastError is already truncated at
// write time in the store, so a stuck job is diagnosable without log access.
type jobStatusResponse struct {
	JobID            uuid.UUID  `json:"job_id"`
	Status           string     `json:"status"`
	Lineage          string     `json:"lineage"`
	Attempts         int        `json:"attempts"`
	LastError        *string    `json:"last_error,omitempty"`
	ResultRef        *string    `json:"result_ref,omitempty"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	HeartbeatAgeSecs *int64     `json:"heartbeat_age_seconds,omitempty"`
	Kicked           bool       `json:"kicked,omitempty"`
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// With ?kick=1 it re-delivers the worker trigger for a job stuck in
// queued/running, without changing the job's status.
func NewJobStatusHandler(jobs JobReader, dispatcher worker.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job ID", nil)
			return
		}

		job, err := jobs.GetJob(r.Context(), jobID, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Cross-tenant lookups land here too; not-found on purpose.
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		resp := jobStatusResponse{
			JobID:         job.ID,
			Status:        job.Status,
			Lineage:       job.Lineage,
			Attempts:      job.Attempts,
			LastError:     job.LastError,
			ResultRef:     job.ResultRef,
			NextAttemptAt: job.NextAttemptAt,
			CreatedAt:     job.CreatedAt,
			UpdatedAt:     job.UpdatedAt,
			StartedAt:     job.StartedAt,
			CompletedAt:   job.CompletedAt,
		}
		if job.HeartbeatAt != nil {
			age := int64(time.Since(*job.HeartbeatAt).Seconds())
			resp.HeartbeatAgeSecs = &age
		}

		if r.URL.Query().Get("kick") == "1" && kickable(job.Status) && dispatcher.Configured() {
			if err := dispatcher.Dispatch(r.Context(), job.ID); err != nil {
				slog.Warn("manual kick failed", "job_id", job.ID, "error", err)
			} else {
				resp.Kicked = true
			}
		}

		response.JSON(w, resp)
	}
}

// kickable statuses are the ones where a prior trigger may have been
// silently dropped.
func kickable(status string) bool {
	return status == models.JobStatusQueued || status == models.JobStatusRunning
}
