package models

import "time"

// FeeStatus is the derived lifecycle label for a fee obligation.
type FeeStatus string

const (
	FeeStatusUnpaid  FeeStatus = "UNPAID"
	FeeStatusPartial FeeStatus = "PARTIAL"
	FeeStatusPaid    FeeStatus = "PAID"
	FeeStatusOverdue FeeStatus = "OVERDUE"
)

// Fee is an obligation for a student to pay a total amount by a due date.
// PaidAmount mirrors the sum of the fee's payments and is only ever
// adjusted inside the same transaction that touches a payment row.
// Status is never persisted; it is derived on read.
type Fee struct {
	ID          string    `db:"id" json:"id"`
	StudentID   string    `db:"student_id" json:"student_id"`
	Description string    `db:"description" json:"description"`
	TotalAmount float64   `db:"total_amount" json:"total_amount"`
	PaidAmount  float64   `db:"paid_amount" json:"paid_amount"`
	DueDate     time.Time `db:"due_date" json:"due_date"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// DeriveFeeStatus computes the lifecycle status of a fee from its ledger
// amounts and the current time. The priority order is deliberate: a
// partially paid fee stays PARTIAL past its due date because partial
// progress is more informative to operators than OVERDUE. A zero-total
// fee is immediately PAID.
func DeriveFeeStatus(totalAmount, paidAmount float64, dueDate, now time.Time) FeeStatus {
	switch {
	case paidAmount >= totalAmount:
		return FeeStatusPaid
	case paidAmount > 0:
		return FeeStatusPartial
	case now.After(dueDate):
		return FeeStatusOverdue
	default:
		return FeeStatusUnpaid
	}
}

// Status derives the fee's current status.
func (f Fee) Status(now time.Time) FeeStatus {
	return DeriveFeeStatus(f.TotalAmount, f.PaidAmount, f.DueDate, now)
}

// Outstanding returns the remaining balance, never negative.
func (f Fee) Outstanding() float64 {
	if f.PaidAmount >= f.TotalAmount {
		return 0
	}
	return f.TotalAmount - f.PaidAmount
}

// FeeScope restricts which fees an actor may see. Exactly one of the
// optional predicates is set for restricted roles; admins and
// accountants get an unrestricted scope.
type FeeScope struct {
	StudentUserID string
	ParentID      string
	SupervisorID  string
}

// Unrestricted reports whether the scope imposes no row filter.
func (s FeeScope) Unrestricted() bool {
	return s.StudentUserID == "" && s.ParentID == "" && s.SupervisorID == ""
}

// ScopeForActor maps a caller to the fee rows it may read. Pure function
// of the actor; the repository translates the result into SQL predicates.
func ScopeForActor(actor Actor) FeeScope {
	switch actor.Role {
	case RoleStudent:
		return FeeScope{StudentUserID: actor.SubjectID}
	case RoleParent:
		return FeeScope{ParentID: actor.SubjectID}
	case RoleTeacher:
		return FeeScope{SupervisorID: actor.SubjectID}
	default:
		return FeeScope{}
	}
}

// FeeFilter captures the criteria for listing fees.
type FeeFilter struct {
	Scope     FeeScope
	StudentID string
	Search    string
	Status    FeeStatus
	Page      int
	PageSize  int
}

// FeeDetail is a fee with student and class context plus derived status.
type FeeDetail struct {
	Fee
	StudentName string    `db:"student_name" json:"student_name"`
	StudentNIS  string    `db:"student_nis" json:"student_nis"`
	ClassName   *string   `db:"class_name" json:"class_name,omitempty"`
	FeeStatus   FeeStatus `db:"-" json:"status"`
	Outstanding float64   `db:"-" json:"outstanding"`
}

// ClassCollectionSummary aggregates a class's fee collection state.
type ClassCollectionSummary struct {
	ClassID      string            `json:"class_id"`
	ClassName    string            `json:"class_name"`
	TotalBilled  float64           `json:"total_billed"`
	TotalPaid    float64           `json:"total_paid"`
	Outstanding  float64           `json:"outstanding"`
	StatusCounts map[FeeStatus]int `json:"status_counts"`
	GeneratedAt  time.Time         `json:"generated_at"`
}
