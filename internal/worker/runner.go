package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkowalski/jobgate/internal/backoff"
	"github.com/mkowalski/jobgate/internal/blob"
	"github.com/mkowalski/jobgate/internal/downstream"
	"github.com/mkowalski/jobgate/internal/store"
	"github.com/mkowalski/jobgate/pkg/models"
)

// Runner executes one queued job to completion inside a single worker
// invocation. Run is idempotent: re-delivering the same trigger after the
// job finished, or while another invocation holds it, is a no-op.
type Runner struct {
	store      store.Store
	chunks     blob.ChunkStore
	deploy     downstream.DeployClient
	repo       downstream.RepoClient
	completion downstream.CompletionClient

	retryBackoff backoff.Strategy
	maxAttempts  int
	heartbeat    time.Duration
	defaultModel string
	statusTTL    time.Duration
}

// RunnerConfig wires a Runner's collaborators.
type RunnerConfig struct {
	Store      store.Store
	Chunks     blob.ChunkStore
	Deploy     downstream.DeployClient
	Repo       downstream.RepoClient
	Completion downstream.CompletionClient

	RetryBackoff backoff.Strategy
	MaxAttempts  int
	Heartbeat    time.Duration
	DefaultModel string
	StatusTTL    time.Duration
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	ttl := cfg.StatusTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Runner{
		store:        cfg.Store,
		chunks:       cfg.Chunks,
		deploy:       cfg.Deploy,
		repo:         cfg.Repo,
		completion:   cfg.Completion,
		retryBackoff: cfg.RetryBackoff,
		maxAttempts:  cfg.MaxAttempts,
		heartbeat:    cfg.Heartbeat,
		defaultModel: cfg.DefaultModel,
		statusTTL:    ttl,
	}
}

// Run claims and executes the job. Only the invocation that wins the
// queued to running transition does any work; everyone else returns nil.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := r.store.GetJobInternal(ctx, jobID)
	if err != nil {
		return err
	}
	if models.IsTerminal(job.Status) || job.Status == models.JobStatusRunning {
		slog.Debug("trigger ignored", "job_id", jobID, "status", job.Status)
		return nil
	}
	if job.Status != models.JobStatusQueued {
		slog.Debug("trigger for non-queued job ignored", "job_id", jobID, "status", job.Status)
		return nil
	}

	ok, err := r.store.TransitionJob(ctx, job.ID, models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the claim to a concurrent invocation.
		return nil
	}
	_ = r.chunks.SetJobStatus(ctx, job.ID, models.JobStatusRunning, r.statusTTL)

	stopHeartbeat := r.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	resultRef, execErr := r.execute(ctx, job)
	if execErr != nil {
		return r.settleFailure(ctx, job, execErr)
	}
	return r.settleSuccess(ctx, job, resultRef)
}

// startHeartbeat refreshes the job's liveness timestamp until the returned
// stop function is called. Heartbeats are advisory; a write failure is
// logged and ignored.
func (r *Runner) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	if r.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.HeartbeatJob(ctx, jobID); err != nil {
					slog.Warn("heartbeat write failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *models.Job) (string, error) {
	switch job.Lineage {
	case models.LineageCompletion:
		return r.runCompletion(ctx, job)
	case models.LineageRepoPush:
		return r.runRepoPush(ctx, job)
	case models.LineageAssetPush:
		return r.runAssetPush(ctx, job)
	default:
		return "", fmt.Errorf("unknown lineage %q", job.Lineage)
	}
}

// assembledPayload fetches the payload staged at completion time. A
// missing blob is not retryable: the staging area expired, so the client
// has to re-upload.
func (r *Runner) assembledPayload(ctx context.Context, job *models.Job) ([]byte, uuid.UUID, error) {
	unit, err := r.store.GetChunkUploadByJob(ctx, job.ID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("loading upload unit: %w", err)
	}
	payload, found, err := r.chunks.GetAssembled(ctx, unit.ID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: reading assembled payload: %v", downstream.ErrUnavailable, err)
	}
	if !found {
		return nil, uuid.Nil, fmt.Errorf("assembled payload expired for upload %s", unit.ID)
	}
	return payload, unit.ID, nil
}

// runCompletion sends the staged payload to the model named by the
// payload ref. Inline submissions have no upload unit: the payload ref
// itself is the input, and the model falls back to the default.
func (r *Runner) runCompletion(ctx context.Context, job *models.Job) (string, error) {
	model := job.PayloadRef
	payload, _, err := r.assembledPayload(ctx, job)
	if errors.Is(err, store.ErrNotFound) {
		payload, model = []byte(job.PayloadRef), ""
	} else if err != nil {
		return "", err
	}
	if model == "" {
		model = r.defaultModel
	}
	res, err := r.completion.Complete(ctx, model, payload)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// runRepoPush reads the destination from the job's payload ref, formatted
// as "repo" or "repo@ref". Inline submissions push the ref with no
// archive attached.
func (r *Runner) runRepoPush(ctx context.Context, job *models.Job) (string, error) {
	payload, _, err := r.assembledPayload(ctx, job)
	if errors.Is(err, store.ErrNotFound) {
		payload = nil
	} else if err != nil {
		return "", err
	}
	repo, ref := job.PayloadRef, "main"
	if at := strings.LastIndex(repo, "@"); at > 0 {
		repo, ref = repo[:at], repo[at+1:]
	}
	return r.repo.PushArchive(ctx, repo, ref, payload)
}

// runAssetPush uploads the assembled asset under its content digest,
// records progress on the push record, and finalizes the deploy once every
// required digest is in. Re-running after a partial failure skips digests
// already marked uploaded.
func (r *Runner) runAssetPush(ctx context.Context, job *models.Job) (string, error) {
	payload, uploadID, err := r.assembledPayload(ctx, job)
	if err != nil {
		return "", err
	}
	unit, err := r.store.GetChunkUploadByJob(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("loading upload unit: %w", err)
	}
	record, err := r.store.GetPushRecordByJob(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("loading push record: %w", err)
	}

	digest := unit.ContentHash
	if !record.Uploaded(digest) {
		if err := r.deploy.UploadAsset(ctx, record.DeployID, digest, payload); err != nil {
			return "", err
		}
		if err := r.store.MarkDigestUploaded(ctx, record.ID, digest); err != nil {
			return "", fmt.Errorf("recording uploaded digest: %w", err)
		}
		record.UploadedDigests = append(record.UploadedDigests, digest)
	}

	if !record.Done() {
		// Other digests are still outstanding on sibling jobs; this job's
		// share of the deploy is finished.
		_ = r.chunks.DeleteAssembled(ctx, uploadID)
		return "deploy:" + record.DeployID, nil
	}

	url, err := r.deploy.FinalizeDeploy(ctx, record.DeployID)
	if err != nil {
		return "", err
	}
	_ = r.chunks.DeleteAssembled(ctx, uploadID)
	return url, nil
}

func (r *Runner) settleSuccess(ctx context.Context, job *models.Job, resultRef string) error {
	opts := []store.TransitionOption{store.ClearError()}
	if resultRef != "" {
		opts = append(opts, store.WithResultRef(resultRef))
	}
	ok, err := r.store.TransitionJob(ctx, job.ID, models.JobStatusRunning, models.JobStatusSucceeded, opts...)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("job left running before success could land", "job_id", job.ID)
		return nil
	}
	_ = r.chunks.SetJobStatus(ctx, job.ID, models.JobStatusSucceeded, r.statusTTL)
	slog.Info("job succeeded", "job_id", job.ID, "lineage", job.Lineage, "attempts", job.Attempts+1)
	return nil
}

// settleFailure routes a retryable error into retry_wait with a scheduled
// next attempt, and everything else (or attempt exhaustion) into failed.
// Only failed attempts increment the attempt counter.
func (r *Runner) settleFailure(ctx context.Context, job *models.Job, execErr error) error {
	attempt := job.Attempts + 1
	retryable := downstream.Retryable(execErr)

	if retryable && (r.maxAttempts <= 0 || attempt < r.maxAttempts) {
		next := time.Now().UTC().Add(r.retryBackoff.Delay(attempt))
		ok, err := r.store.TransitionJob(ctx, job.ID,
			models.JobStatusRunning, models.JobStatusRetryWait,
			store.WithError(execErr.Error()),
			store.WithNextAttemptAt(next),
			store.IncrementAttempts())
		if err != nil {
			return err
		}
		if ok {
			_ = r.chunks.SetJobStatus(ctx, job.ID, models.JobStatusRetryWait, r.statusTTL)
			slog.Warn("job deferred for retry",
				"job_id", job.ID, "attempt", attempt, "next_attempt_at", next, "error", execErr)
		}
		return nil
	}

	reason := execErr.Error()
	if retryable {
		reason = fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, reason)
	}
	ok, err := r.store.TransitionJob(ctx, job.ID,
		models.JobStatusRunning, models.JobStatusFailed,
		store.WithError(reason),
		store.IncrementAttempts())
	if err != nil {
		return err
	}
	if ok {
		_ = r.chunks.SetJobStatus(ctx, job.ID, models.JobStatusFailed, r.statusTTL)
		slog.Error("job failed", "job_id", job.ID, "lineage", job.Lineage, "attempt", attempt, "error", execErr)
	}
	return nil
}
