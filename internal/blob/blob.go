package blob

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ChunkStore stages content-addressed byte ranges for chunked uploads and
// carries the small cache/counter surface the API layer needs.
// Implementations must be safe for concurrent use.
type ChunkStore interface {
	// PutChunk stores one part under (uploadID, contentHash, part). Writing
	// the same key twice is allowed; chunk keys are content-addressed so an
	// overwrite is byte-identical by construction.
	PutChunk(ctx context.Context, uploadID uuid.UUID, contentHash string, part int, data []byte, ttl time.Duration) error
	GetChunk(ctx context.Context, uploadID uuid.UUID, contentHash string, part int) ([]byte, bool, error)
	DeleteChunk(ctx context.Context, uploadID uuid.UUID, contentHash string, part int) error

	// Assembled payloads are written once by the assembler after hash
	// verification and read by the worker runner.
	PutAssembled(ctx context.Context, uploadID uuid.UUID, data []byte, ttl time.Duration) error
	GetAssembled(ctx context.Context, uploadID uuid.UUID) ([]byte, bool, error)
	DeleteAssembled(ctx context.Context, uploadID uuid.UUID) error

	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// RedisChunkStore implements ChunkStore using go-redis/v9.
type RedisChunkStore struct {
	client *redis.Client
}

// NewRedisChunkStore creates a new RedisChunkStore from a Redis URL.
func NewRedisChunkStore(redisURL string) (*RedisChunkStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisChunkStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisChunkStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisChunkStore) Close() error {
	return s.client.Close()
}

func (s *RedisChunkStore) PutChunk(ctx context.Context, uploadID uuid.UUID, contentHash string, part int, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, ChunkKey(uploadID, contentHash, part), data, ttl).Err()
}

func (s *RedisChunkStore) GetChunk(ctx context.Context, uploadID uuid.UUID, contentHash string, part int) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, ChunkKey(uploadID, contentHash, part)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisChunkStore) DeleteChunk(ctx context.Context, uploadID uuid.UUID, contentHash string, part int) error {
	return s.client.Del(ctx, ChunkKey(uploadID, contentHash, part)).Err()
}

func (s *RedisChunkStore) PutAssembled(ctx context.Context, uploadID uuid.UUID, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, AssembledKey(uploadID), data, ttl).Err()
}

func (s *RedisChunkStore) GetAssembled(ctx context.Context, uploadID uuid.UUID) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, AssembledKey(uploadID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisChunkStore) DeleteAssembled(ctx context.Context, uploadID uuid.UUID) error {
	return s.client.Del(ctx, AssembledKey(uploadID)).Err()
}

func (s *RedisChunkStore) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	return s.client.Set(ctx, JobStatusKey(jobID), status, ttl).Err()
}

func (s *RedisChunkStore) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	val, err := s.client.Get(ctx, JobStatusKey(jobID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisChunkStore) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
