package models

import (
	"time"

	"github.com/google/uuid"
)

// Job lineages. The lineage decides which payload schema and downstream
// consumer apply, and whether the job passes through the upload states.
const (
	LineageCompletion = "completion"
	LineageRepoPush   = "repo_push"
	LineageAssetPush  = "asset_push"
)

// Job statuses. uploading/assembling only apply to chunked submissions;
// inline submissions enter directly at queued.
// succeeded, failed and expired are terminal; blocked_cap is a hold state
// that only a cap increase or the retention sweeper can exit.
const (
	JobStatusUploading  = "uploading"
	JobStatusAssembling = "assembling"
	JobStatusQueued     = "queued"
	JobStatusRunning    = "running"
	JobStatusRetryWait  = "retry_wait"
	JobStatusBlockedCap = "blocked_cap"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
	JobStatusExpired    = "expired"
)

// IsTerminal reports whether a status accepts no further transitions.
func IsTerminal(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed || status == JobStatusExpired
}

// Job is one unit of asynchronous work. Every mutation after creation goes
// through the store's conditional TransitionJob; handlers, workers and
// sweepers coordinate only through that primitive, never through shared
// process memory.
type Job struct {
	ID            uuid.UUID  `db:"id"              json:"id"`
	TenantID      uuid.UUID  `db:"tenant_id"       json:"tenant_id"`
	Lineage       string     `db:"lineage"         json:"lineage"`
	Status        string     `db:"status"          json:"status"`
	PayloadRef    string     `db:"payload_ref"     json:"payload_ref"`
	Attempts      int        `db:"attempts"        json:"attempts"`
	LastError     *string    `db:"last_error"      json:"last_error,omitempty"`
	ResultRef     *string    `db:"result_ref"      json:"result_ref,omitempty"`
	NextAttemptAt *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	StartedAt     *time.Time `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt   *time.Time `db:"completed_at"    json:"completed_at,omitempty"`
	HeartbeatAt   *time.Time `db:"heartbeat_at"    json:"heartbeat_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"      json:"updated_at"`
}
