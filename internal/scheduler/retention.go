package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkowalski/jobgate/internal/blob"
	"github.com/mkowalski/jobgate/internal/store"
	"github.com/mkowalski/jobgate/pkg/models"
)

// RetentionSummary reports what one retention sweep did.
type RetentionSummary struct {
	Scanned      int   `json:"scanned"`
	Expired      int   `json:"expired"`
	BlobsDeleted int   `json:"blobs_deleted"`
	RowsDeleted  int64 `json:"rows_deleted"`
}

// RetentionSweeper expires jobs stuck in non-terminal states past the
// retention window, purges their staged chunk blobs, and prunes old
// terminal rows. Work per run is bounded by batch size times batch count.
type RetentionSweeper struct {
	store  store.Store
	chunks blob.ChunkStore

	window           time.Duration
	successRetention time.Duration
	batchSize        int
	maxBatches       int
}

// NewRetentionSweeper creates a RetentionSweeper.
func NewRetentionSweeper(st store.Store, chunks blob.ChunkStore, window, successRetention time.Duration, batchSize, maxBatches int) *RetentionSweeper {
	if batchSize <= 0 {
		batchSize = 200
	}
	if maxBatches <= 0 {
		maxBatches = 5
	}
	return &RetentionSweeper{
		store:            st,
		chunks:           chunks,
		window:           window,
		successRetention: successRetention,
		batchSize:        batchSize,
		maxBatches:       maxBatches,
	}
}

// Run performs one sweep. Blob deletes are best-effort: an individual
// failure is logged and skipped, never fatal to the sweep.
func (s *RetentionSweeper) Run(ctx context.Context) (*RetentionSummary, error) {
	cutoff := time.Now().UTC().Add(-s.window)
	summary := &RetentionSummary{}

	for batch := 0; batch < s.maxBatches; batch++ {
		jobs, err := s.store.ListExpiredCandidates(ctx, cutoff, s.batchSize)
		if err != nil {
			return summary, fmt.Errorf("listing expiry candidates: %w", err)
		}
		if len(jobs) == 0 {
			break
		}
		summary.Scanned += len(jobs)

		for _, job := range jobs {
			s.expireJob(ctx, job, summary)
		}

		if len(jobs) < s.batchSize {
			break
		}
	}

	if s.successRetention > 0 {
		deleted, err := s.store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-s.successRetention))
		if err != nil {
			slog.Error("terminal row prune failed", "error", err)
		} else {
			summary.RowsDeleted = deleted
		}
	}

	slog.Info("retention sweep finished",
		"scanned", summary.Scanned, "expired", summary.Expired,
		"blobs_deleted", summary.BlobsDeleted, "rows_deleted", summary.RowsDeleted)
	return summary, nil
}

func (s *RetentionSweeper) expireJob(ctx context.Context, job *models.Job, summary *RetentionSummary) {
	unit, err := s.store.GetChunkUploadByJob(ctx, job.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("loading upload unit for expiry", "job_id", job.ID, "error", err)
		return
	}

	if unit != nil {
		for part := 0; part < unit.TotalParts; part++ {
			if err := s.chunks.DeleteChunk(ctx, unit.ID, unit.ContentHash, part); err != nil {
				slog.Warn("chunk delete failed", "upload_id", unit.ID, "part", part, "error", err)
				continue
			}
			summary.BlobsDeleted++
		}
		if err := s.chunks.DeleteAssembled(ctx, unit.ID); err != nil {
			slog.Warn("assembled payload delete failed", "upload_id", unit.ID, "error", err)
		}
	}

	// The candidate may have moved on since the listing; the conditional
	// transition makes that a harmless no-op.
	ok, err := s.store.TransitionJob(ctx, job.ID, job.Status, models.JobStatusExpired,
		store.WithError(fmt.Sprintf("expired after %s of inactivity", s.window)))
	if err != nil {
		slog.Error("expiry transition failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		slog.Debug("expiry skipped, job moved on", "job_id", job.ID, "status", job.Status)
		return
	}
	summary.Expired++

	if unit != nil {
		if err := s.store.ResetChunkUpload(ctx, unit.ID); err != nil {
			slog.Warn("staged-byte reset failed", "upload_id", unit.ID, "error", err)
		}
	}
	_ = s.chunks.SetJobStatus(ctx, job.ID, models.JobStatusExpired, 30*time.Minute)
}
