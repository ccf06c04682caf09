package models

import "time"

// PaymentMethod enumerates the accepted payment channels.
type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "CASH"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodCreditCard   PaymentMethod = "CREDIT_CARD"
	PaymentMethodUPI          PaymentMethod = "UPI"
)

// Valid reports whether the method is one of the accepted channels.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodBankTransfer, PaymentMethodCreditCard, PaymentMethodUPI:
		return true
	}
	return false
}

// Payment is a recorded transfer applied against a single fee.
type Payment struct {
	ID            string        `db:"id" json:"id"`
	FeeID         string        `db:"fee_id" json:"fee_id"`
	Amount        float64       `db:"amount" json:"amount"`
	PaidAt        time.Time     `db:"paid_at" json:"paid_at"`
	Method        PaymentMethod `db:"method" json:"method"`
	TransactionID *string       `db:"transaction_id" json:"transaction_id,omitempty"`
	RecordedBy    *string       `db:"recorded_by" json:"recorded_by,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// PaymentDetail is a payment joined with its fee's student context.
type PaymentDetail struct {
	Payment
	StudentName string  `db:"student_name" json:"student_name"`
	ClassName   *string `db:"class_name" json:"class_name,omitempty"`
}

// PaymentFilter captures criteria for listing payments.
type PaymentFilter struct {
	Scope    FeeScope
	FeeID    string
	Search   string
	Page     int
	PageSize int
}
