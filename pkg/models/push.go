package models

import (
	"time"

	"github.com/google/uuid"
)

// PushRecord is the deploy-oriented specialization used by asset-push jobs.
// RequiredDigests is the set of file hashes the downstream deploy API
// demands; the push is complete once UploadedDigests covers it.
type PushRecord struct {
	ID              uuid.UUID `db:"id"               json:"id"`
	TenantID        uuid.UUID `db:"tenant_id"        json:"tenant_id"`
	JobID           uuid.UUID `db:"job_id"           json:"job_id"`
	DeployID        string    `db:"deploy_id"        json:"deploy_id"`
	RequiredDigests []string  `db:"required_digests" json:"required_digests"`
	UploadedDigests []string  `db:"uploaded_digests" json:"uploaded_digests"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"       json:"updated_at"`
}

// Requires reports whether digest is in the required set.
func (p *PushRecord) Requires(digest string) bool {
	for _, d := range p.RequiredDigests {
		if d == digest {
			return true
		}
	}
	return false
}

// Uploaded reports whether digest has already been staged downstream.
func (p *PushRecord) Uploaded(digest string) bool {
	for _, d := range p.UploadedDigests {
		if d == digest {
			return true
		}
	}
	return false
}

// Done reports whether uploaded covers required.
func (p *PushRecord) Done() bool {
	for _, d := range p.RequiredDigests {
		if !p.Uploaded(d) {
			return false
		}
	}
	return true
}
