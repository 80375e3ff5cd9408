package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mkowalski/jobgate/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// maxErrorLen bounds the stored last_error message so a giant downstream
// response body cannot bloat the jobs table.
const maxErrorLen = 1200

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	// GetJobInternal bypasses the tenant filter; only the worker runner and
	// the sweepers may use it.
	GetJobInternal(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// TransitionJob applies a compare-and-set status change: the update
	// takes effect only if the job's status equals from at the moment of
	// the update. Returns (false, nil) when another invocation won the
	// race. This is the single synchronization primitive in the system.
	TransitionJob(ctx context.Context, id uuid.UUID, from, to string, opts ...TransitionOption) (bool, error)
	HeartbeatJob(ctx context.Context, id uuid.UUID) error
	ListDueRetries(ctx context.Context, limit int) ([]*models.Job, error)
	ListExpiredCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CreateChunkUpload(ctx context.Context, u *models.ChunkUpload) error
	GetChunkUploadByJob(ctx context.Context, jobID uuid.UUID) (*models.ChunkUpload, error)
	// RecordChunkPart records the byte length of one part and recomputes the
	// received count and staged byte total in a single guarded update. It is
	// a no-op when the part is already recorded with the same length.
	RecordChunkPart(ctx context.Context, uploadID uuid.UUID, part int, size int64) (*models.ChunkUpload, error)
	ResetChunkUpload(ctx context.Context, uploadID uuid.UUID) error
	SumStagedBytes(ctx context.Context, tenantID uuid.UUID, since time.Time) (int64, error)

	CreatePushRecord(ctx context.Context, p *models.PushRecord) error
	GetPushRecordByJob(ctx context.Context, jobID uuid.UUID) (*models.PushRecord, error)
	MarkDigestUploaded(ctx context.Context, pushID uuid.UUID, digest string) error
}

type transitionParams struct {
	ErrorMessage  *string
	ClearError    bool
	ResultRef     *string
	NextAttemptAt *time.Time
	IncAttempts   bool
}

// TransitionOption customizes the fields applied alongside a status change.
type TransitionOption func(*transitionParams)

// WithError records a truncated error message on the job.
func WithError(msg string) TransitionOption {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return func(p *transitionParams) {
		p.ErrorMessage = &msg
	}
}

// ClearError wipes any previously recorded error, used when a job is
// requeued after a successful upload completion.
func ClearError() TransitionOption {
	return func(p *transitionParams) {
		p.ClearError = true
	}
}

// WithResultRef records the result reference on a succeeded job.
func WithResultRef(ref string) TransitionOption {
	return func(p *transitionParams) {
		p.ResultRef = &ref
	}
}

// WithNextAttemptAt schedules the next claim for a retry_wait job.
func WithNextAttemptAt(t time.Time) TransitionOption {
	return func(p *transitionParams) {
		p.NextAttemptAt = &t
	}
}

// IncrementAttempts bumps the attempt counter as part of the transition.
func IncrementAttempts() TransitionOption {
	return func(p *transitionParams) {
		p.IncAttempts = true
	}
}
