package blob

import (
	"fmt"

	"github.com/google/uuid"
)

func ChunkKey(uploadID uuid.UUID, contentHash string, part int) string {
	return fmt.Sprintf("chunks:%s:%s:%d", uploadID, contentHash, part)
}

func AssembledKey(uploadID uuid.UUID) string {
	return fmt.Sprintf("assembled:%s", uploadID)
}

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
