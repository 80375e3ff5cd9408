package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/mkowalski/jobgate/internal/api/response"
	"github.com/mkowalski/jobgate/internal/scheduler"
)

// JobRunner defines the worker interface the trigger handler depends on.
type JobRunner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// RetrySweep defines the retry sweeper interface.
type RetrySweep interface {
	Run(ctx context.Context) (*scheduler.RetrySummary, error)
}

// RetentionSweep defines the retention sweeper interface.
type RetentionSweep interface {
	Run(ctx context.Context) (*scheduler.RetentionSummary, error)
}

// NewWorkerRunHandler returns an http.HandlerFunc for POST /internal/worker/run.
// The trigger is acknowledged immediately; the job executes in the
// background of this invocation. The runner is idempotent, so duplicate
// triggers are harmless.
func NewWorkerRunHandler(runner JobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID string `json:"job_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		jobID, err := uuid.Parse(req.JobID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job ID", nil)
			return
		}

		go func() {
			// Detached from the request: the trigger caller never awaits
			// job completion.
			if err := runner.Run(context.Background(), jobID); err != nil {
				slog.Error("worker run failed", "job_id", jobID, "error", err)
			}
		}()

		response.Accepted(w, map[string]any{"job_id": jobID})
	}
}

// NewRetrySweepHandler returns an http.HandlerFunc for POST /internal/sweep/retry.
func NewRetrySweepHandler(sweeper RetrySweep) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := sweeper.Run(r.Context())
		if err != nil {
			slog.Error("retry sweep failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Retry sweep failed", nil)
			return
		}
		response.JSON(w, summary)
	}
}

// NewRetentionSweepHandler returns an http.HandlerFunc for POST /internal/sweep/retention.
func NewRetentionSweepHandler(sweeper RetentionSweep) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := sweeper.Run(r.Context())
		if err != nil {
			slog.Error("retention sweep failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Retention sweep failed", nil)
			return
		}
		response.JSON(w, summary)
	}
}
