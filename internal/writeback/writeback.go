// Package writeback stages qualified credit amounts for W-2 Box 12 reporting
// in the external payroll system. Records are prepared from a finalized run,
// approved by a user, executed against the payroll provider, and can be
// rolled back with the previous values retained for audit.
package writeback

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Box 12 codes staged by the write-back service.
type Code string

const (
	// CodeTT reports the qualified overtime credit.
	CodeTT Code = "TT"
	// CodeTP reports the qualified tip credit.
	CodeTP Code = "TP"
	// CodeTS reports the combined credit.
	CodeTS Code = "TS"
)

// Status is the write-back record lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Record is one staged Box 12 value for one employee.
type Record struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	RunID          uuid.UUID `json:"run_id"`
	EmployeeID     uuid.UUID `json:"employee_id"`
	Code           Code      `json:"box12_code"`

	Amount         decimal.Decimal  `json:"amount"`
	PreviousAmount *decimal.Decimal `json:"previous_amount"`

	Status       Status  `json:"status"`
	ErrorMessage *string `json:"error_message"`

	ApprovedBy   *uuid.UUID `json:"approved_by"`
	ApprovedAt   *time.Time `json:"approved_at"`
	ExecutedAt   *time.Time `json:"executed_at"`
	RolledBackAt *time.Time `json:"rolled_back_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Poster pushes one staged value to the external payroll system. The
// returned previous value is retained on the record so a rollback can
// restore it.
type Poster interface {
	Post(ctx context.Context, record Record) (previous decimal.Decimal, err error)
	Restore(ctx context.Context, record Record) error
}
