package upload

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkowalski/jobgate/internal/store"
	"github.com/mkowalski/jobgate/pkg/models"
)

// maxTotalParts bounds how many chunks a single upload may declare.
const maxTotalParts = 10000

// sha1HexLen is the length of a hex-encoded SHA-1 digest.
const sha1HexLen = 40

// SubmitInput describes a new job submission.
type SubmitInput struct {
	TenantID        uuid.UUID
	Lineage         string
	PayloadRef      string
	ContentHash     string
	TotalParts      int
	DeployID        string
	RequiredDigests []string
}

// Intake accepts job submissions: it validates the payload descriptor and
// creates the job, its chunk upload unit, and (for asset pushes) the push
// record tracking the deploy's required digests.
type Intake struct {
	store store.Store
}

// NewIntake creates an Intake.
func NewIntake(s store.Store) *Intake {
	return &Intake{store: s}
}

// Chunked reports whether the submission stages its payload through the
// chunk upload flow. Asset pushes always do; the other lineages do when
// they declare an upload, and otherwise run directly off payload_ref.
func (in *SubmitInput) Chunked() bool {
	return in.Lineage == models.LineageAssetPush || in.TotalParts > 0 || in.ContentHash != ""
}

// Submit creates a job: chunked submissions start in uploading with their
// upload unit, inline submissions start in queued with no unit (the
// returned unit is nil).
func (i *Intake) Submit(ctx context.Context, in SubmitInput) (*models.Job, *models.ChunkUpload, error) {
	if err := i.validate(&in); err != nil {
		return nil, nil, err
	}

	status := models.JobStatusQueued
	if in.Chunked() {
		status = models.JobStatusUploading
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		TenantID:   in.TenantID,
		Lineage:    in.Lineage,
		Status:     status,
		PayloadRef: in.PayloadRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := i.store.CreateJob(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("creating job: %w", err)
	}

	var unit *models.ChunkUpload
	if in.Chunked() {
		unit = &models.ChunkUpload{
			ID:          uuid.New(),
			JobID:       job.ID,
			ContentHash: in.ContentHash,
			TotalParts:  in.TotalParts,
			PartBytes:   map[int]int64{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := i.store.CreateChunkUpload(ctx, unit); err != nil {
			return nil, nil, fmt.Errorf("creating upload unit: %w", err)
		}
	}

	if in.Lineage == models.LineageAssetPush {
		required := in.RequiredDigests
		if len(required) == 0 {
			required = []string{in.ContentHash}
		}
		record := &models.PushRecord{
			ID:              uuid.New(),
			TenantID:        in.TenantID,
			JobID:           job.ID,
			DeployID:        in.DeployID,
			RequiredDigests: required,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := i.store.CreatePushRecord(ctx, record); err != nil {
			return nil, nil, fmt.Errorf("creating push record: %w", err)
		}
	}

	totalParts := 0
	if unit != nil {
		totalParts = unit.TotalParts
	}
	slog.Info("job submitted",
		"job_id", job.ID, "tenant_id", job.TenantID,
		"lineage", job.Lineage, "total_parts", totalParts)
	return job, unit, nil
}

func (i *Intake) validate(in *SubmitInput) error {
	switch in.Lineage {
	case models.LineageCompletion, models.LineageRepoPush, models.LineageAssetPush:
	default:
		return fmt.Errorf("%w: unknown lineage %q", ErrInvalidInput, in.Lineage)
	}

	in.ContentHash = strings.ToLower(strings.TrimSpace(in.ContentHash))
	if in.Chunked() {
		if len(in.ContentHash) != sha1HexLen {
			return fmt.Errorf("%w: content_hash must be %d hex characters", ErrInvalidInput, sha1HexLen)
		}
		if _, err := hex.DecodeString(in.ContentHash); err != nil {
			return fmt.Errorf("%w: content_hash is not hex", ErrInvalidInput)
		}
		if in.TotalParts < 1 || in.TotalParts > maxTotalParts {
			return fmt.Errorf("%w: total_parts must be between 1 and %d", ErrInvalidInput, maxTotalParts)
		}
	} else if in.PayloadRef == "" {
		return fmt.Errorf("%w: payload_ref is required without an upload", ErrInvalidInput)
	}

	if in.Lineage == models.LineageRepoPush && in.PayloadRef == "" {
		return fmt.Errorf("%w: payload_ref is required for repo_push", ErrInvalidInput)
	}
	if in.Lineage == models.LineageAssetPush && in.DeployID == "" {
		return fmt.Errorf("%w: deploy_id is required for asset_push", ErrInvalidInput)
	}
	return nil
}
