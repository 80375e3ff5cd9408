package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkowalski/jobgate/internal/store"
	"github.com/mkowalski/jobgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockStore struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*models.Tenant
	jobs    map[uuid.UUID]*models.Job
	uploads map[uuid.UUID]*models.ChunkUpload
	staged  int64
}

func newMockStore() *mockStore {
	return &mockStore{
		tenants: make(map[uuid.UUID]*models.Tenant),
		jobs:    make(map[uuid.UUID]*models.Job),
		uploads: make(map[uuid.UUID]*models.ChunkUpload),
	}
}

func (s *mockStore) Ping(_ context.Context) error { return nil }
func (s *mockStore) GetDefaultTenant(_ context.Context) (*models.Tenant, error) {
	return nil, store.ErrNotFound
}
func (s *mockStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *mockStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *mockStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (s *mockStore) ListAPIKeys(_ context.Context, _ uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *mockStore) RevokeAPIKey(_ context.Context, _ uuid.UUID, _ uuid.UUID) error { return nil }
func (s *mockStore) HeartbeatJob(_ context.Context, _ uuid.UUID) error              { return nil }
func (s *mockStore) ListDueRetries(_ context.Context, _ int) ([]*models.Job, error) {
	return nil, nil
}
func (s *mockStore) ListExpiredCandidates(_ context.Context, _ time.Time, _ int) ([]*models.Job, error) {
	return nil, nil
}
func (s *mockStore) DeleteTerminalBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}
func (s *mockStore) CreatePushRecord(_ context.Context, _ *models.PushRecord) error { return nil }
func (s *mockStore) GetPushRecordByJob(_ context.Context, _ uuid.UUID) (*models.PushRecord, error) {
	return nil, store.ErrNotFound
}
func (s *mockStore) MarkDigestUploaded(_ context.Context, _ uuid.UUID, _ string) error { return nil }

func (s *mockStore) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (s *mockStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *mockStore) GetJob(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *mockStore) GetJobInternal(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *mockStore) TransitionJob(_ context.Context, id uuid.UUID, from, to string, _ ...store.TransitionOption) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *mockStore) CreateChunkUpload(_ context.Context, u *models.ChunkUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[u.ID] = u
	return nil
}

func (s *mockStore) GetChunkUploadByJob(_ context.Context, jobID uuid.UUID) (*models.ChunkUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.uploads {
		if u.JobID == jobID {
			cp := *u
			cp.PartBytes = make(map[int]int64, len(u.PartBytes))
			for k, v := range u.PartBytes {
				cp.PartBytes[k] = v
			}
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) RecordChunkPart(_ context.Context, uploadID uuid.UUID, part int, size int64) (*models.ChunkUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if u.PartBytes == nil {
		u.PartBytes = make(map[int]int64)
	}
	u.PartBytes[part] = size
	u.ReceivedParts = len(u.PartBytes)
	var total int64
	for _, v := range u.PartBytes {
		total += v
	}
	u.BytesStaged = total
	cp := *u
	return &cp, nil
}

func (s *mockStore) ResetChunkUpload(_ context.Context, uploadID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.uploads[uploadID]; ok {
		u.ReceivedParts = 0
		u.BytesStaged = 0
		u.PartBytes = map[int]int64{}
	}
	return nil
}

func (s *mockStore) SumStagedBytes(_ context.Context, _ uuid.UUID, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged, nil
}

type mockChunks struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	assembled map[uuid.UUID][]byte
}

func newMockChunks() *mockChunks {
	return &mockChunks{blobs: make(map[string][]byte), assembled: make(map[uuid.UUID][]byte)}
}

func chunkKey(uploadID uuid.UUID, hash string, part int) string {
	return uploadID.String() + ":" + hash + ":" + string(rune('0'+part))
}

func (c *mockChunks) PutChunk(_ context.Context, uploadID uuid.UUID, hash string, part int, data []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[chunkKey(uploadID, hash, part)] = data
	return nil
}

func (c *mockChunks) GetChunk(_ context.Context, uploadID uuid.UUID, hash string, part int) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[chunkKey(uploadID, hash, part)]
	return b, ok, nil
}

func (c *mockChunks) DeleteChunk(_ context.Context, uploadID uuid.UUID, hash string, part int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blobs, chunkKey(uploadID, hash, part))
	return nil
}

func (c *mockChunks) PutAssembled(_ context.Context, uploadID uuid.UUID, data []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assembled[uploadID] = data
	return nil
}

func (c *mockChunks) GetAssembled(_ context.Context, uploadID uuid.UUID) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.assembled[uploadID]
	return b, ok, nil
}

func (c *mockChunks) DeleteAssembled(_ context.Context, uploadID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.assembled, uploadID)
	return nil
}

func (c *mockChunks) SetJobStatus(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) error {
	return nil
}
func (c *mockChunks) GetJobStatus(_ context.Context, _ uuid.UUID) (string, bool, error) {
	return "", false, nil
}
func (c *mockChunks) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}
func (c *mockChunks) Ping(_ context.Context) error { return nil }

// --- fixtures ---

func sha1Hex(b []byte) string {
	h := sha1.Sum(b)
	return hex.EncodeToString(h[:])
}

// newUploadFixture seeds a tenant, an uploading asset_push job and its
// chunk upload unit for the given payload split into parts.
func newUploadFixture(t *testing.T, s *mockStore, parts [][]byte) (uuid.UUID, uuid.UUID, string) {
	t.Helper()
	var full []byte
	for _, p := range parts {
		full = append(full, p...)
	}
	hash := sha1Hex(full)

	tenantID := uuid.New()
	s.tenants[tenantID] = &models.Tenant{ID: tenantID, Name: "t"}

	jobID := uuid.New()
	now := time.Now().UTC()
	s.jobs[jobID] = &models.Job{
		ID: jobID, TenantID: tenantID, Lineage: models.LineageAssetPush,
		Status: models.JobStatusUploading, PayloadRef: "site/index.html",
		CreatedAt: now, UpdatedAt: now,
	}
	uploadID := uuid.New()
	s.uploads[uploadID] = &models.ChunkUpload{
		ID: uploadID, JobID: jobID, ContentHash: hash, TotalParts: len(parts),
		PartBytes: map[int]int64{}, CreatedAt: now, UpdatedAt: now,
	}
	return jobID, tenantID, hash
}

// --- PutPart ---

func TestPutPart_AcceptsAndRecords(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa"), []byte("bbbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	res, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: hash,
		Part: 0, Parts: 2, Data: parts[0],
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, res.ReceivedParts)
	assert.Equal(t, int64(3), res.BytesStaged)
}

func TestPutPart_DuplicateSameLengthIsNoop(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa"), []byte("bbbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	in := PutPartInput{JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 0, Parts: 2, Data: parts[0]}
	_, err := a.PutPart(context.Background(), in)
	require.NoError(t, err)

	res, err := a.PutPart(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, res.ReceivedParts)
	assert.Equal(t, int64(3), res.BytesStaged)
}

func TestPutPart_DuplicateDifferentLengthConflicts(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa"), []byte("bbbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	_, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 0, Parts: 2, Data: parts[0],
	})
	require.NoError(t, err)

	_, err = a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 0, Parts: 2, Data: []byte("different length"),
	})
	assert.ErrorIs(t, err, ErrPartConflict)
}

func TestPutPart_OutOfRange(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa"), []byte("bbbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	_, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 2, Parts: 2, Data: []byte("x"),
	})
	assert.ErrorIs(t, err, ErrPartOutOfRange)
}

func TestPutPart_HashMismatch(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa")}
	jobID, tenantID, _ := newUploadFixture(t, s, parts)

	_, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: sha1Hex([]byte("other")),
		Part: 0, Parts: 1, Data: parts[0],
	})
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestPutPart_CrossTenantIsNotFound(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa")}
	jobID, _, hash := newUploadFixture(t, s, parts)

	_, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: uuid.New(), ContentHash: hash, Part: 0, Parts: 1, Data: parts[0],
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutPart_CapExceededBlocksJob(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 10)
	s.staged = 8

	parts := [][]byte{[]byte("aaa"), []byte("bbbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	_, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 1, Parts: 2, Data: parts[1],
	})
	require.ErrorIs(t, err, ErrCapExceeded)

	job, err := s.GetJob(context.Background(), jobID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusBlockedCap, job.Status)
}

// flakySumStore fails the staged-bytes query to simulate a database
// outage during the cap check.
type flakySumStore struct {
	*mockStore
	sumErr error
}

func (s *flakySumStore) SumStagedBytes(ctx context.Context, tenantID uuid.UUID, since time.Time) (int64, error) {
	if s.sumErr != nil {
		return 0, s.sumErr
	}
	return s.mockStore.SumStagedBytes(ctx, tenantID, since)
}

func TestPutPart_TransientCapCheckErrorDoesNotBlock(t *testing.T) {
	base := newMockStore()
	c := newMockChunks()
	sumErr := errors.New("connection reset by peer")
	a := NewAssembler(&flakySumStore{mockStore: base, sumErr: sumErr}, c, time.Hour, 10)

	parts := [][]byte{[]byte("aaa"), []byte("bbbb")}
	jobID, tenantID, hash := newUploadFixture(t, base, parts)

	_, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 0, Parts: 2, Data: parts[0],
	})
	require.ErrorIs(t, err, sumErr)

	job, err := base.GetJob(context.Background(), jobID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusUploading, job.Status)
}

func TestPutPart_BlockedCapRecoversAfterCapFreed(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 10)
	s.staged = 8

	parts := [][]byte{[]byte("aaa"), []byte("bbbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	_, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 1, Parts: 2, Data: parts[1],
	})
	require.ErrorIs(t, err, ErrCapExceeded)

	// Month rolls over (or the cap is raised): the next part unparks the
	// job and is accepted in the same call.
	s.staged = 0
	res, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 1, Parts: 2, Data: parts[1],
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReceivedParts)

	job, err := s.GetJob(context.Background(), jobID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusUploading, job.Status)
}

func TestPutPart_BlockedCapStaysBlockedWhileOverCap(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 10)
	s.staged = 8

	parts := [][]byte{[]byte("aaa"), []byte("bbbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	for i := 0; i < 2; i++ {
		_, err := a.PutPart(context.Background(), PutPartInput{
			JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 1, Parts: 2, Data: parts[1],
		})
		require.ErrorIs(t, err, ErrCapExceeded)
	}

	job, err := s.GetJob(context.Background(), jobID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusBlockedCap, job.Status)
}

func TestComplete_BlockedCapRecoversAfterCapFreed(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 100)

	parts := [][]byte{[]byte("aaa"), []byte("bbbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)
	for i, p := range parts {
		_, err := a.PutPart(context.Background(), PutPartInput{
			JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: i, Parts: 2, Data: p,
		})
		require.NoError(t, err)
	}
	s.jobs[jobID].Status = models.JobStatusBlockedCap

	job, err := a.Complete(context.Background(), jobID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

// --- Complete ---

func TestComplete_OutOfOrderPartsAssembleInIndexOrder(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("part-zero|"), []byte("part-one|"), []byte("part-two")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	// Upload in order 1, 2, 0.
	for _, idx := range []int{1, 2, 0} {
		_, err := a.PutPart(context.Background(), PutPartInput{
			JobID: jobID, TenantID: tenantID, ContentHash: hash,
			Part: idx, Parts: 3, Data: parts[idx],
		})
		require.NoError(t, err)
	}

	job, err := a.Complete(context.Background(), jobID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	unit, err := s.GetChunkUploadByJob(context.Background(), jobID)
	require.NoError(t, err)
	assembled, found, err := c.GetAssembled(context.Background(), unit.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("part-zero|part-one|part-two"), assembled)
}

func TestComplete_DeterministicAcrossArrivalOrders(t *testing.T) {
	parts := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}

	var payloads [][]byte
	for _, order := range [][]int{{0, 1, 2}, {2, 0, 1}} {
		s := newMockStore()
		c := newMockChunks()
		a := NewAssembler(s, c, time.Hour, 0)
		jobID, tenantID, hash := newUploadFixture(t, s, parts)

		for _, idx := range order {
			_, err := a.PutPart(context.Background(), PutPartInput{
				JobID: jobID, TenantID: tenantID, ContentHash: hash,
				Part: idx, Parts: 3, Data: parts[idx],
			})
			require.NoError(t, err)
		}
		_, err := a.Complete(context.Background(), jobID, tenantID)
		require.NoError(t, err)

		unit, err := s.GetChunkUploadByJob(context.Background(), jobID)
		require.NoError(t, err)
		assembled, _, err := c.GetAssembled(context.Background(), unit.ID)
		require.NoError(t, err)
		payloads = append(payloads, assembled)
	}

	assert.Equal(t, payloads[0], payloads[1])
}

func TestComplete_PartsIncomplete(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa"), []byte("bbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	_, err := a.PutPart(context.Background(), PutPartInput{
		JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: 0, Parts: 2, Data: parts[0],
	})
	require.NoError(t, err)

	_, err = a.Complete(context.Background(), jobID, tenantID)
	assert.ErrorIs(t, err, ErrPartsIncomplete)
}

func TestComplete_IntegrityFailureLeavesUnitIntact(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa"), []byte("bbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	for idx, p := range parts {
		_, err := a.PutPart(context.Background(), PutPartInput{
			JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: idx, Parts: 2, Data: p,
		})
		require.NoError(t, err)
	}

	// Corrupt one staged blob behind the recorded lengths (same length,
	// different bytes) so the final hash check has to catch it.
	unit, err := s.GetChunkUploadByJob(context.Background(), jobID)
	require.NoError(t, err)
	require.NoError(t, c.PutChunk(context.Background(), unit.ID, hash, 1, []byte("xxx"), time.Hour))

	_, err = a.Complete(context.Background(), jobID, tenantID)
	require.ErrorIs(t, err, ErrIntegrity)

	// Unit counters untouched; job back in uploading for re-upload.
	after, err := s.GetChunkUploadByJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.ReceivedParts)
	assert.Equal(t, unit.BytesStaged, after.BytesStaged)

	job, err := s.GetJob(context.Background(), jobID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusUploading, job.Status)
}

func TestComplete_WrongStateWhenNotUploading(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa")}
	jobID, tenantID, _ := newUploadFixture(t, s, parts)
	s.jobs[jobID].Status = models.JobStatusQueued

	_, err := a.Complete(context.Background(), jobID, tenantID)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestComplete_MissingChunk(t *testing.T) {
	s := newMockStore()
	c := newMockChunks()
	a := NewAssembler(s, c, time.Hour, 0)

	parts := [][]byte{[]byte("aaa"), []byte("bbb")}
	jobID, tenantID, hash := newUploadFixture(t, s, parts)

	for idx, p := range parts {
		_, err := a.PutPart(context.Background(), PutPartInput{
			JobID: jobID, TenantID: tenantID, ContentHash: hash, Part: idx, Parts: 2, Data: p,
		})
		require.NoError(t, err)
	}

	// Simulate a blob-store eviction after the lengths were recorded.
	unit, err := s.GetChunkUploadByJob(context.Background(), jobID)
	require.NoError(t, err)
	require.NoError(t, c.DeleteChunk(context.Background(), unit.ID, hash, 1))

	_, err = a.Complete(context.Background(), jobID, tenantID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChunkMissing))
}
