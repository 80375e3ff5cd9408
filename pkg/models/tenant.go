package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an organization or team. Every other entity belongs to a
// tenant, and all reads are filtered by tenant to avoid cross-tenant
// enumeration. MonthlyByteCap bounds staged upload bytes per calendar month;
// zero means the server default applies.
type Tenant struct {
	ID             uuid.UUID `db:"id"               json:"id"`
	Name           string    `db:"name"             json:"name"`
	MonthlyByteCap int64     `db:"monthly_byte_cap" json:"monthly_byte_cap"`
	CreatedAt      time.Time `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"       json:"updated_at"`
}
