package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkowalski/jobgate/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, monthly_byte_cap, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.MonthlyByteCap, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, monthly_byte_cap, created_at, updated_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.MonthlyByteCap, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, tenant_id, lineage, status, payload_ref, attempts, last_error, result_ref,
	next_attempt_at, started_at, completed_at, heartbeat_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.Lineage, &j.Status, &j.PayloadRef, &j.Attempts,
		&j.LastError, &j.ResultRef, &j.NextAttemptAt, &j.StartedAt, &j.CompletedAt,
		&j.HeartbeatAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, lineage, status, payload_ref, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.TenantID, job.Lineage, job.Status, job.PayloadRef, job.Attempts,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob enforces tenant ownership: a cross-tenant lookup returns
// ErrNotFound, never forbidden, so job ids cannot be enumerated.
func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobInternal(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job internal: %w", err)
	}
	return j, nil
}

// TransitionJob is the compare-and-set core: a single conditional UPDATE
// whose WHERE clause pins the expected current status. Concurrent racers on
// the same job observe RowsAffected()==0 and must treat that as losing the
// claim, not as an error.
func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, from, to string, opts ...TransitionOption) (bool, error) {
	params := &transitionParams{}
	for _, opt := range opts {
		opt(params)
	}

	query := `UPDATE jobs SET status = $3, updated_at = NOW()`
	args := []any{id, from, to}
	argIdx := 4

	switch to {
	case models.JobStatusRunning:
		// started_at is set once; re-entering running after a retry keeps
		// the original start time.
		query += `, started_at = COALESCE(started_at, NOW()), heartbeat_at = NOW()`
	case models.JobStatusSucceeded, models.JobStatusFailed:
		query += `, completed_at = NOW()`
	}

	if params.IncAttempts {
		query += `, attempts = attempts + 1`
	}

	// next_attempt_at is non-null iff the job sits in retry_wait.
	if to == models.JobStatusRetryWait && params.NextAttemptAt != nil {
		query += fmt.Sprintf(`, next_attempt_at = $%d`, argIdx)
		args = append(args, *params.NextAttemptAt)
		argIdx++
	} else {
		query += `, next_attempt_at = NULL`
	}

	if params.ErrorMessage != nil {
		query += fmt.Sprintf(`, last_error = $%d`, argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	} else if params.ClearError {
		query += `, last_error = NULL`
	}

	if params.ResultRef != nil {
		query += fmt.Sprintf(`, result_ref = $%d`, argIdx)
		args = append(args, *params.ResultRef)
		argIdx++
	}

	query += ` WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job %s -> %s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// HeartbeatJob records liveness for an in-flight worker. Guarded on running
// so a late heartbeat from a superseded worker cannot touch a job the
// sweeper already expired.
func (s *PostgresStore) HeartbeatJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET heartbeat_at = NOW() WHERE id = $1 AND status = $2`,
		id, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDueRetries(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		 ORDER BY COALESCE(next_attempt_at, updated_at) ASC LIMIT $2`,
		models.JobStatusRetryWait, limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListExpiredCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ($1, $2, $3, $4, $5, $6) AND updated_at < $7
		 ORDER BY updated_at ASC LIMIT $8`,
		models.JobStatusUploading, models.JobStatusAssembling, models.JobStatusQueued,
		models.JobStatusRunning, models.JobStatusRetryWait, models.JobStatusBlockedCap,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired candidates: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteTerminalBefore purges succeeded/failed jobs whose completion is
// older than cutoff. Expired jobs are kept until the same cutoff passes
// their updated_at so clients can still observe the expiry reason.
func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE (status IN ($1, $2) AND completed_at IS NOT NULL AND completed_at < $4)
		    OR (status = $3 AND updated_at < $4)`,
		models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusExpired, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Chunk uploads ---

func (s *PostgresStore) CreateChunkUpload(ctx context.Context, u *models.ChunkUpload) error {
	pb, err := marshalPartBytes(u.PartBytes)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chunk_uploads (id, job_id, content_hash, total_parts, received_parts, bytes_staged, part_bytes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.JobID, u.ContentHash, u.TotalParts, u.ReceivedParts, u.BytesStaged, pb,
		u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create chunk upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChunkUploadByJob(ctx context.Context, jobID uuid.UUID) (*models.ChunkUpload, error) {
	var u models.ChunkUpload
	var pb []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, content_hash, total_parts, received_parts, bytes_staged, part_bytes, created_at, updated_at
		 FROM chunk_uploads WHERE job_id = $1`, jobID,
	).Scan(&u.ID, &u.JobID, &u.ContentHash, &u.TotalParts, &u.ReceivedParts, &u.BytesStaged,
		&pb, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk upload: %w", err)
	}
	if u.PartBytes, err = unmarshalPartBytes(pb); err != nil {
		return nil, err
	}
	return &u, nil
}

// RecordChunkPart merges one part length into part_bytes and recomputes the
// derived counters from the merged map inside the same statement, so a
// duplicate retry of an already-recorded part leaves the totals unchanged.
// The owning job's updated_at is bumped in the same statement: an upload
// actively receiving parts must not look idle to the retention sweeper.
func (s *PostgresStore) RecordChunkPart(ctx context.Context, uploadID uuid.UUID, part int, size int64) (*models.ChunkUpload, error) {
	key := strconv.Itoa(part)
	var u models.ChunkUpload
	var pb []byte
	err := s.pool.QueryRow(ctx,
		`WITH unit AS (
		   UPDATE chunk_uploads SET
		     part_bytes = part_bytes || jsonb_build_object($2::text, $3::bigint),
		     received_parts = (SELECT COUNT(*) FROM jsonb_object_keys(part_bytes || jsonb_build_object($2::text, $3::bigint))),
		     bytes_staged = (SELECT COALESCE(SUM(value::bigint), 0) FROM jsonb_each_text(part_bytes || jsonb_build_object($2::text, $3::bigint))),
		     updated_at = NOW()
		   WHERE id = $1
		   RETURNING id, job_id, content_hash, total_parts, received_parts, bytes_staged, part_bytes, created_at, updated_at
		 ), touched AS (
		   UPDATE jobs SET updated_at = NOW() WHERE id IN (SELECT job_id FROM unit)
		 )
		 SELECT id, job_id, content_hash, total_parts, received_parts, bytes_staged, part_bytes, created_at, updated_at
		 FROM unit`,
		uploadID, key, size,
	).Scan(&u.ID, &u.JobID, &u.ContentHash, &u.TotalParts, &u.ReceivedParts, &u.BytesStaged,
		&pb, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record chunk part: %w", err)
	}
	if u.PartBytes, err = unmarshalPartBytes(pb); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) ResetChunkUpload(ctx context.Context, uploadID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chunk_uploads
		 SET received_parts = 0, bytes_staged = 0, part_bytes = '{}'::jsonb, updated_at = NOW()
		 WHERE id = $1`, uploadID)
	if err != nil {
		return fmt.Errorf("reset chunk upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumStagedBytes(ctx context.Context, tenantID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(u.bytes_staged), 0)
		 FROM chunk_uploads u JOIN jobs j ON j.id = u.job_id
		 WHERE j.tenant_id = $1 AND u.created_at >= $2`,
		tenantID, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum staged bytes: %w", err)
	}
	return total, nil
}

// --- Push records ---

func (s *PostgresStore) CreatePushRecord(ctx context.Context, p *models.PushRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO push_records (id, tenant_id, job_id, deploy_id, required_digests, uploaded_digests, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.TenantID, p.JobID, p.DeployID, p.RequiredDigests, p.UploadedDigests,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create push record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPushRecordByJob(ctx context.Context, jobID uuid.UUID) (*models.PushRecord, error) {
	var p models.PushRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, job_id, deploy_id, required_digests, uploaded_digests, created_at, updated_at
		 FROM push_records WHERE job_id = $1`, jobID,
	).Scan(&p.ID, &p.TenantID, &p.JobID, &p.DeployID, &p.RequiredDigests, &p.UploadedDigests,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get push record: %w", err)
	}
	return &p, nil
}

// MarkDigestUploaded appends digest to the uploaded set. The guard keeps
// the append idempotent under duplicate worker dispatch.
func (s *PostgresStore) MarkDigestUploaded(ctx context.Context, pushID uuid.UUID, digest string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE push_records
		 SET uploaded_digests = array_append(uploaded_digests, $2), updated_at = NOW()
		 WHERE id = $1 AND NOT (uploaded_digests @> ARRAY[$2::text])`,
		pushID, digest)
	if err != nil {
		return fmt.Errorf("mark digest uploaded: %w", err)
	}
	return nil
}

// --- helpers ---

func marshalPartBytes(m map[int]int64) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = v
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal part bytes: %w", err)
	}
	return b, nil
}

func unmarshalPartBytes(b []byte) (map[int]int64, error) {
	raw := map[string]int64{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("unmarshal part bytes: %w", err)
		}
	}
	out := make(map[int]int64, len(raw))
	for k, v := range raw {
		i, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[i] = v
	}
	return out, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
