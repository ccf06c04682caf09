package models

import "time"

// ExpenseType enumerates school expense categories.
type ExpenseType string

const (
	ExpenseTypeSalary      ExpenseType = "SALARY"
	ExpenseTypeBus         ExpenseType = "BUS"
	ExpenseTypeMaintenance ExpenseType = "MAINTENANCE"
	ExpenseTypeSupplies    ExpenseType = "SUPPLIES"
	ExpenseTypeUtilities   ExpenseType = "UTILITIES"
	ExpenseTypeOther       ExpenseType = "OTHER"
)

// Valid reports whether the expense type is known.
func (t ExpenseType) Valid() bool {
	switch t {
	case ExpenseTypeSalary, ExpenseTypeBus, ExpenseTypeMaintenance, ExpenseTypeSupplies, ExpenseTypeUtilities, ExpenseTypeOther:
		return true
	}
	return false
}

// Expense is a school expenditure record.
type Expense struct {
	ID          string      `db:"id" json:"id"`
	ExpenseType ExpenseType `db:"expense_type" json:"expense_type"`
	Amount      float64     `db:"amount" json:"amount"`
	Description string      `db:"description" json:"description"`
	SpentAt     time.Time   `db:"spent_at" json:"spent_at"`
	RecordedBy  *string     `db:"recorded_by" json:"recorded_by,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// ExpenseFilter captures criteria for listing expenses.
type ExpenseFilter struct {
	Type     ExpenseType
	Search   string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// ExpenseSummary aggregates expenses per type for a period.
type ExpenseSummary struct {
	From   time.Time               `json:"from"`
	To     time.Time               `json:"to"`
	Total  float64                 `json:"total"`
	ByType map[ExpenseType]float64 `json:"by_type"`
}
