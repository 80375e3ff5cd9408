package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/mkowalski/jobgate/internal/api/middleware"
	"github.com/mkowalski/jobgate/internal/api/response"
	"github.com/mkowalski/jobgate/internal/store"
	"github.com/mkowalski/jobgate/internal/upload"
	"github.com/mkowalski/jobgate/internal/worker"
	"github.com/mkowalski/jobgate/pkg/models"
)

// maxChunkBytes bounds one part's body.
const maxChunkBytes = 32 << 20

// PartPutter defines the assembler interface the chunk handler depends on.
type PartPutter interface {
	PutPart(ctx context.Context, in upload.PutPartInput) (*upload.PutPartResult, error)
}

// Completer defines the assembler interface the complete handler depends on.
type Completer interface {
	Complete(ctx context.Context, jobID, tenantID uuid.UUID) (*models.Job, error)
}

// NewPutChunkHandler returns an http.HandlerFunc for
// PUT /api/v1/uploads/{jobID}/chunks?part=N&parts=M&hash=H.
func NewPutChunkHandler(assembler PartPutter) http.HandlerFunc {
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

		q := r.URL.Query()
		part, err := strconv.Atoi(q.Get("part"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "part must be an integer", nil)
			return
		}
		parts, err := strconv.Atoi(q.Get("parts"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "parts must be an integer", nil)
			return
		}
		hash := q.Get("hash")
		if hash == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "hash is required", nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Chunk too large", nil)
			return
		}
		if len(body) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Empty chunk body", nil)
			return
		}

		res, err := assembler.PutPart(r.Context(), upload.PutPartInput{
			JobID:       jobID,
			TenantID:    tenantID,
			ContentHash: hash,
			Part:        part,
			Parts:       parts,
			Data:        body,
		})
		if err != nil {
			writeUploadError(w, err)
			return
		}

		response.JSON(w, map[string]any{
			"job_id":         jobID,
			"duplicate":      res.Duplicate,
			"received_parts": res.ReceivedParts,
			"total_parts":    res.TotalParts,
			"bytes_staged":   res.BytesStaged,
		})
	}
}

// NewCompleteUploadHandler returns an http.HandlerFunc for
// POST /api/v1/uploads/{jobID}/complete. Once the job is queued the worker
// trigger is delivered fire-and-forget; a dropped trigger is recoverable
// through ?kick=1 on the status endpoint.
func NewCompleteUploadHandler(assembler Completer, dispatcher worker.Dispatcher) http.HandlerFunc {
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

		job, err := assembler.Complete(r.Context(), jobID, tenantID)
		if err != nil {
			writeUploadError(w, err)
			return
		}

		if job.Status == models.JobStatusQueued && dispatcher.Configured() {
			if err := dispatcher.Dispatch(r.Context(), job.ID); err != nil {
				slog.Warn("post-assembly dispatch failed", "job_id", job.ID, "error", err)
			}
		}

		response.Accepted(w, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// writeUploadError maps assembler errors onto the wire taxonomy.
func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, upload.ErrWrongState):
		response.Error(w, http.StatusConflict, "WRONG_STATE", err.Error(), nil)
	case errors.Is(err, upload.ErrHashMismatch), errors.Is(err, upload.ErrPartOutOfRange):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, upload.ErrPartConflict):
		response.Error(w, http.StatusConflict, "PART_CONFLICT", err.Error(), nil)
	case errors.Is(err, upload.ErrPartsIncomplete):
		response.Error(w, http.StatusConflict, "PARTS_INCOMPLETE", err.Error(), nil)
	case errors.Is(err, upload.ErrCapExceeded):
		response.Error(w, http.StatusPaymentRequired, "CAP_REACHED", err.Error(), nil)
	case errors.Is(err, upload.ErrIntegrity), errors.Is(err, upload.ErrChunkMissing):
		response.Error(w, http.StatusUnprocessableEntity, "INTEGRITY_FAILURE", err.Error(), nil)
	default:
		slog.Error("upload operation failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Upload operation failed", nil)
	}
}
