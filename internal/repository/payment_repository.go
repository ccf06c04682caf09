package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/schoolworks/finance-api/internal/models"
)

// PaymentRepository manages persistence for payments. Every mutation
// adjusts the parent fee's paid_amount inside the same transaction as
// the payment row change, so the mirror can never drift: either both
// writes land or neither does.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs a PaymentRepository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// FindByID fetches a payment by ID.
func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	const query = `SELECT id, fee_id, amount, paid_at, method, transaction_id, recorded_by, created_at, updated_at
        FROM payments WHERE id = $1`
	var payment models.Payment
	if err := r.db.GetContext(ctx, &payment, query, id); err != nil {
		return nil, err
	}
	return &payment, nil
}

// Create inserts a payment and adds its amount to the fee's paid_amount.
// The fee update runs first so the fee row lock orders concurrent
// mutations of the same fee. Zero rows affected means the fee vanished
// and surfaces as ErrNoRowsAffected.
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	if payment.PaidAt.IsZero() {
		payment.PaidAt = now
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE fees SET paid_amount = paid_amount + $2, updated_at = $3 WHERE id = $1",
		payment.FeeID, payment.Amount, now)
	if err != nil {
		return fmt.Errorf("apply payment to fee: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}

	const insert = `INSERT INTO payments (id, fee_id, amount, paid_at, method, transaction_id, recorded_by, created_at, updated_at)
        VALUES (:id, :fee_id, :amount, :paid_at, :method, :transaction_id, :recorded_by, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insert, payment); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	return tx.Commit()
}

// UpdateAmount changes a payment's amount and shifts the fee's
// paid_amount by the delta in the same transaction. The payment update
// is guarded by the previous amount, so a concurrent edit of the same
// payment surfaces as ErrNoRowsAffected instead of double-applying.
func (r *PaymentRepository) UpdateAmount(ctx context.Context, payment *models.Payment, previousAmount float64) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE fees SET paid_amount = paid_amount + $2, updated_at = $3 WHERE id = $1",
		payment.FeeID, payment.Amount-previousAmount, now)
	if err != nil {
		return fmt.Errorf("apply payment delta to fee: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}

	result, err = tx.ExecContext(ctx,
		"UPDATE payments SET amount = $2, updated_at = $3 WHERE id = $1 AND amount = $4",
		payment.ID, payment.Amount, now, previousAmount)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}
	payment.UpdatedAt = now

	return tx.Commit()
}

// Delete removes a payment and subtracts its amount from the fee's
// paid_amount in the same transaction. The delete is guarded by the
// amount the caller read, for the same reason UpdateAmount guards its
// update.
func (r *PaymentRepository) Delete(ctx context.Context, payment *models.Payment) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE fees SET paid_amount = paid_amount - $2, updated_at = $3 WHERE id = $1",
		payment.FeeID, payment.Amount, now)
	if err != nil {
		return fmt.Errorf("revert payment from fee: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}

	result, err = tx.ExecContext(ctx,
		"DELETE FROM payments WHERE id = $1 AND amount = $2",
		payment.ID, payment.Amount)
	if err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}

	return tx.Commit()
}

// ListByFee returns every payment of a fee in chronological order.
func (r *PaymentRepository) ListByFee(ctx context.Context, feeID string) ([]models.Payment, error) {
	const query = `SELECT id, fee_id, amount, paid_at, method, transaction_id, recorded_by, created_at, updated_at
        FROM payments WHERE fee_id = $1 ORDER BY paid_at, created_at`
	payments := []models.Payment{}
	if err := r.db.SelectContext(ctx, &payments, query, feeID); err != nil {
		return nil, fmt.Errorf("list payments by fee: %w", err)
	}
	return payments, nil
}

// List returns payments matching the filter plus the unpaginated total.
func (r *PaymentRepository) List(ctx context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	argPos := 1

	conditions, args, argPos = scopeConditions(filter.Scope, conditions, args, argPos)

	if filter.FeeID != "" {
		conditions = append(conditions, fmt.Sprintf("p.fee_id = $%d", argPos))
		args = append(args, filter.FeeID)
		argPos++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(s.full_name ILIKE $%d OR s.nis ILIKE $%d OR p.transaction_id ILIKE $%d)", argPos, argPos, argPos))
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}

	where := strings.Join(conditions, " AND ")

	const fromClause = `FROM payments p
        JOIN fees f ON f.id = p.fee_id
        JOIN students s ON s.id = f.student_id
        LEFT JOIN classes c ON c.id = s.class_id`

	var total int
	countQuery := "SELECT COUNT(*) " + fromClause + " WHERE " + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	query := fmt.Sprintf(`SELECT p.id, p.fee_id, p.amount, p.paid_at, p.method, p.transaction_id, p.recorded_by,
            p.created_at, p.updated_at, s.full_name AS student_name, c.name AS class_name
        %s
        WHERE %s
        ORDER BY p.paid_at DESC
        LIMIT $%d OFFSET $%d`, fromClause, where, argPos, argPos+1)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	payments := []models.PaymentDetail{}
	if err := r.db.SelectContext(ctx, &payments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	return payments, total, nil
}
