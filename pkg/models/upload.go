package models

import (
	"time"

	"github.com/google/uuid"
)

// ChunkUpload tracks assembly of one large payload for one job. Parts are
// staged independently in the chunk blob store; PartBytes maps part index
// to the byte length recorded at upload time, which is what makes duplicate
// detection and completeness checks possible without re-reading blobs.
type ChunkUpload struct {
	ID            uuid.UUID      `db:"id"             json:"id"`
	JobID         uuid.UUID      `db:"job_id"         json:"job_id"`
	ContentHash   string         `db:"content_hash"   json:"content_hash"`
	TotalParts    int            `db:"total_parts"    json:"total_parts"`
	ReceivedParts int            `db:"received_parts" json:"received_parts"`
	BytesStaged   int64          `db:"bytes_staged"   json:"bytes_staged"`
	PartBytes     map[int]int64  `db:"part_bytes"     json:"part_bytes"`
	CreatedAt     time.Time      `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"     json:"updated_at"`
}

// Complete reports whether every part index 0..TotalParts-1 has a recorded
// length. Received count alone is not enough; a duplicate retry of one part
// must not mask a missing one.
func (u *ChunkUpload) Complete() bool {
	if u.TotalParts < 1 || u.ReceivedParts != u.TotalParts {
		return false
	}
	for i := 0; i < u.TotalParts; i++ {
		if _, ok := u.PartBytes[i]; !ok {
			return false
		}
	}
	return true
}
