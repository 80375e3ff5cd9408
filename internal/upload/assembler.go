// Package upload implements the chunk assembly pipeline: parts arrive in
// any order, from any invocation, and assembly is a pure function of the
// completed part set.
package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mkowalski/jobgate/internal/blob"
	"github.com/mkowalski/jobgate/internal/store"
	"github.com/mkowalski/jobgate/pkg/models"
)

// Assembler stages chunk parts in the blob store and reconstructs the full
// payload once every part is present.
type Assembler struct {
	store          store.Store
	chunks         blob.ChunkStore
	chunkTTL       time.Duration
	defaultByteCap int64
}

// NewAssembler creates a new Assembler. chunkTTL bounds staged blob
// lifetime in the blob store independently of the retention sweeper;
// defaultByteCap applies to tenants without an explicit monthly cap.
func NewAssembler(s store.Store, c blob.ChunkStore, chunkTTL time.Duration, defaultByteCap int64) *Assembler {
	return &Assembler{
		store:          s,
		chunks:         c,
		chunkTTL:       chunkTTL,
		defaultByteCap: defaultByteCap,
	}
}

// PutPartInput identifies one byte range of a chunked upload.
type PutPartInput struct {
	JobID       uuid.UUID
	TenantID    uuid.UUID
	ContentHash string
	Part        int
	Parts       int
	Data        []byte
}

// PutPartResult reports the upload unit's progress after a part is staged.
type PutPartResult struct {
	Duplicate     bool
	ReceivedParts int
	TotalParts    int
	BytesStaged   int64
}

// PutPart stores one part under its composite key and records its length.
// Re-submitting the same index with an identical length is a no-op;
// re-submitting with a different length is ErrPartConflict.
func (a *Assembler) PutPart(ctx context.Context, in PutPartInput) (*PutPartResult, error) {
	job, err := a.store.GetJob(ctx, in.JobID, in.TenantID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusBlockedCap {
		if err := a.unblockIfUnderCap(ctx, job, int64(len(in.Data))); err != nil {
			return nil, err
		}
	}
	if job.Status != models.JobStatusUploading {
		return nil, fmt.Errorf("%w: status %s", ErrWrongState, job.Status)
	}

	unit, err := a.store.GetChunkUploadByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if in.ContentHash != unit.ContentHash {
		return nil, fmt.Errorf("%w: declared %s", ErrHashMismatch, in.ContentHash)
	}
	if in.Part < 0 || in.Parts != unit.TotalParts || in.Part >= unit.TotalParts {
		return nil, fmt.Errorf("%w: part %d of %d", ErrPartOutOfRange, in.Part, in.Parts)
	}

	size := int64(len(in.Data))
	if prev, ok := unit.PartBytes[in.Part]; ok {
		if prev != size {
			return nil, fmt.Errorf("%w: part %d recorded at %d bytes, got %d", ErrPartConflict, in.Part, prev, size)
		}
		// Identical retry. Overwrite the blob anyway so a lost blob behind a
		// recorded length is repaired by the retry.
		if err := a.chunks.PutChunk(ctx, unit.ID, unit.ContentHash, in.Part, in.Data, a.chunkTTL); err != nil {
			return nil, fmt.Errorf("stage duplicate chunk: %w", err)
		}
		return &PutPartResult{
			Duplicate:     true,
			ReceivedParts: unit.ReceivedParts,
			TotalParts:    unit.TotalParts,
			BytesStaged:   unit.BytesStaged,
		}, nil
	}

	if err := a.enforceCap(ctx, job.TenantID, size); err != nil {
		// Only a genuine cap breach parks the job; transient store errors
		// surface to the client without touching job state.
		if errors.Is(err, ErrCapExceeded) {
			if ok, terr := a.store.TransitionJob(ctx, job.ID, models.JobStatusUploading, models.JobStatusBlockedCap,
				store.WithError(err.Error())); terr != nil {
				slog.Error("cap block transition failed", "job_id", job.ID, "error", terr)
			} else if ok {
				slog.Warn("job blocked on byte cap", "job_id", job.ID, "tenant_id", job.TenantID)
			}
		}
		return nil, err
	}

	if err := a.chunks.PutChunk(ctx, unit.ID, unit.ContentHash, in.Part, in.Data, a.chunkTTL); err != nil {
		return nil, fmt.Errorf("stage chunk: %w", err)
	}

	updated, err := a.store.RecordChunkPart(ctx, unit.ID, in.Part, size)
	if err != nil {
		return nil, err
	}

	return &PutPartResult{
		ReceivedParts: updated.ReceivedParts,
		TotalParts:    updated.TotalParts,
		BytesStaged:   updated.BytesStaged,
	}, nil
}

// Complete verifies that every part index 0..total-1 is present,
// concatenates the parts in index order, verifies the result's SHA-1
// against the declared content hash, stages the assembled payload for the
// worker, and moves the job to queued. On integrity failure the upload unit
// is left unmodified for inspection and the job returns to uploading.
func (a *Assembler) Complete(ctx context.Context, jobID, tenantID uuid.UUID) (*models.Job, error) {
	job, err := a.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusBlockedCap {
		if err := a.unblockIfUnderCap(ctx, job, 0); err != nil {
			return nil, err
		}
	}
	if job.Status != models.JobStatusUploading {
		return nil, fmt.Errorf("%w: status %s", ErrWrongState, job.Status)
	}

	unit, err := a.store.GetChunkUploadByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !unit.Complete() {
		return nil, fmt.Errorf("%w: %d of %d", ErrPartsIncomplete, unit.ReceivedParts, unit.TotalParts)
	}

	// Claim assembly. A concurrent Complete for the same job loses the CAS
	// and reports the state conflict instead of assembling twice.
	ok, err := a.store.TransitionJob(ctx, job.ID, models.JobStatusUploading, models.JobStatusAssembling)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: assembly already claimed", ErrWrongState)
	}

	payload, err := a.assemble(ctx, unit)
	if err != nil {
		// Return the job to uploading so the client can repair and retry.
		// Integrity failures are never auto-retried.
		if _, terr := a.store.TransitionJob(ctx, job.ID, models.JobStatusAssembling, models.JobStatusUploading,
			store.WithError(err.Error())); terr != nil {
			slog.Error("assembly rollback failed", "job_id", job.ID, "error", terr)
		}
		return nil, err
	}

	if err := a.chunks.PutAssembled(ctx, unit.ID, payload, a.chunkTTL); err != nil {
		if _, terr := a.store.TransitionJob(ctx, job.ID, models.JobStatusAssembling, models.JobStatusUploading,
			store.WithError("staging assembled payload: "+err.Error())); terr != nil {
			slog.Error("assembly rollback failed", "job_id", job.ID, "error", terr)
		}
		return nil, fmt.Errorf("stage assembled payload: %w", err)
	}

	ok, err = a.store.TransitionJob(ctx, job.ID, models.JobStatusAssembling, models.JobStatusQueued, store.ClearError())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Sweeper expired the job mid-assembly. Surface the current state.
		return nil, fmt.Errorf("%w: job left assembling", ErrWrongState)
	}

	return a.store.GetJob(ctx, jobID, tenantID)
}

// assemble reads every chunk in index order, never arrival order, and
// verifies the concatenation's hash. Pure with respect to the part set.
func (a *Assembler) assemble(ctx context.Context, unit *models.ChunkUpload) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(unit.BytesStaged))
	h := sha1.New()

	for i := 0; i < unit.TotalParts; i++ {
		data, found, err := a.chunks.GetChunk(ctx, unit.ID, unit.ContentHash, i)
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", i, err)
		}
		if !found {
			return nil, fmt.Errorf("%w: part %d of %d", ErrChunkMissing, i, unit.TotalParts)
		}
		if want, ok := unit.PartBytes[i]; ok && want != int64(len(data)) {
			return nil, fmt.Errorf("%w: part %d is %d bytes, recorded %d", ErrIntegrity, i, len(data), want)
		}
		buf.Write(data)
		h.Write(data)
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != unit.ContentHash {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrIntegrity, got, unit.ContentHash)
	}
	return buf.Bytes(), nil
}

// unblockIfUnderCap re-checks the tenant cap for a job parked in
// blocked_cap and moves it back to uploading when the cap was raised or
// the month rolled over. Still over cap ⇒ the cap error surfaces and the
// job stays parked.
func (a *Assembler) unblockIfUnderCap(ctx context.Context, job *models.Job, extra int64) error {
	if err := a.enforceCap(ctx, job.TenantID, extra); err != nil {
		return err
	}
	ok, err := a.store.TransitionJob(ctx, job.ID, models.JobStatusBlockedCap, models.JobStatusUploading,
		store.ClearError())
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race with the sweeper or a concurrent unblock.
		return fmt.Errorf("%w: status %s", ErrWrongState, models.JobStatusBlockedCap)
	}
	slog.Info("job unblocked from byte cap", "job_id", job.ID, "tenant_id", job.TenantID)
	job.Status = models.JobStatusUploading
	return nil
}

func (a *Assembler) enforceCap(ctx context.Context, tenantID uuid.UUID, extra int64) error {
	tenant, err := a.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	limit := tenant.MonthlyByteCap
	if limit <= 0 {
		limit = a.defaultByteCap
	}
	if limit <= 0 {
		return nil
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	staged, err := a.store.SumStagedBytes(ctx, tenantID, monthStart)
	if err != nil {
		return err
	}
	if staged+extra > limit {
		return fmt.Errorf("%w: %d of %d bytes used this month", ErrCapExceeded, staged, limit)
	}
	return nil
}
