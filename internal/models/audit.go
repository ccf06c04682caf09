package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin         = "LOGIN"
	AuditActionLogout        = "LOGOUT"
	AuditActionFeeCreate     = "FEE_CREATE"
	AuditActionFeeUpdate     = "FEE_UPDATE"
	AuditActionFeeDelete     = "FEE_DELETE"
	AuditActionPaymentRecord = "PAYMENT_RECORD"
	AuditActionPaymentEdit   = "PAYMENT_EDIT"
	AuditActionPaymentDelete = "PAYMENT_DELETE"
	AuditActionExpenseCreate = "EXPENSE_CREATE"
	AuditActionExpenseUpdate = "EXPENSE_UPDATE"
	AuditActionExpenseDelete = "EXPENSE_DELETE"
	AuditActionStudentImport = "STUDENT_IMPORT"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         int64     `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
