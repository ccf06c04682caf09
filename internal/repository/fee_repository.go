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

// FeeRepository manages persistence for fee obligations. Status is never
// written to the database; only the raw ledger amounts are stored.
type FeeRepository struct {
	db *sqlx.DB
}

// NewFeeRepository constructs a FeeRepository.
func NewFeeRepository(db *sqlx.DB) *FeeRepository {
	return &FeeRepository{db: db}
}

// FindByID fetches a fee by ID.
func (r *FeeRepository) FindByID(ctx context.Context, id string) (*models.Fee, error) {
	const query = `SELECT id, student_id, description, total_amount, paid_amount, due_date, created_at, updated_at
        FROM fees WHERE id = $1`
	var fee models.Fee
	if err := r.db.GetContext(ctx, &fee, query, id); err != nil {
		return nil, err
	}
	return &fee, nil
}

// FindDetailByID fetches a fee joined with its student and class context.
func (r *FeeRepository) FindDetailByID(ctx context.Context, id string) (*models.FeeDetail, error) {
	const query = `SELECT f.id, f.student_id, f.description, f.total_amount, f.paid_amount, f.due_date,
            f.created_at, f.updated_at, s.full_name AS student_name, s.nis AS student_nis, c.name AS class_name
        FROM fees f
        JOIN students s ON s.id = f.student_id
        LEFT JOIN classes c ON c.id = s.class_id
        WHERE f.id = $1`
	var detail models.FeeDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// scopeConditions translates a FeeScope into SQL predicates over the
// joined student row. Unrestricted scopes add nothing.
func scopeConditions(scope models.FeeScope, conditions []string, args []interface{}, argPos int) ([]string, []interface{}, int) {
	if scope.StudentUserID != "" {
		conditions = append(conditions, fmt.Sprintf("s.user_id = $%d", argPos))
		args = append(args, scope.StudentUserID)
		argPos++
	}
	if scope.ParentID != "" {
		conditions = append(conditions, fmt.Sprintf("s.parent_id = $%d", argPos))
		args = append(args, scope.ParentID)
		argPos++
	}
	if scope.SupervisorID != "" {
		conditions = append(conditions, fmt.Sprintf("s.class_id IN (SELECT id FROM classes WHERE supervisor_id = $%d)", argPos))
		args = append(args, scope.SupervisorID)
		argPos++
	}
	return conditions, args, argPos
}

// IsVisible reports whether the fee falls inside the actor's scope.
// Unrestricted scopes only check existence.
func (r *FeeRepository) IsVisible(ctx context.Context, feeID string, scope models.FeeScope) (bool, error) {
	conditions := []string{"f.id = $1"}
	args := []interface{}{feeID}
	conditions, args, _ = scopeConditions(scope, conditions, args, 2)

	query := `SELECT EXISTS (SELECT 1 FROM fees f JOIN students s ON s.id = f.student_id WHERE ` +
		strings.Join(conditions, " AND ") + `)`
	var visible bool
	if err := r.db.GetContext(ctx, &visible, query, args...); err != nil {
		return false, fmt.Errorf("check fee visibility: %w", err)
	}
	return visible, nil
}

// List returns fees matching the filter plus the unpaginated total. The
// status filter is applied after derivation by the service, so it is not
// part of the SQL here.
func (r *FeeRepository) List(ctx context.Context, filter models.FeeFilter) ([]models.FeeDetail, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	argPos := 1

	conditions, args, argPos = scopeConditions(filter.Scope, conditions, args, argPos)

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("f.student_id = $%d", argPos))
		args = append(args, filter.StudentID)
		argPos++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(s.full_name ILIKE $%d OR s.nis ILIKE $%d OR f.description ILIKE $%d)", argPos, argPos, argPos))
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM fees f JOIN students s ON s.id = f.student_id WHERE " + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count fees: %w", err)
	}

	query := fmt.Sprintf(`SELECT f.id, f.student_id, f.description, f.total_amount, f.paid_amount, f.due_date,
            f.created_at, f.updated_at, s.full_name AS student_name, s.nis AS student_nis, c.name AS class_name
        FROM fees f
        JOIN students s ON s.id = f.student_id
        LEFT JOIN classes c ON c.id = s.class_id
        WHERE %s
        ORDER BY f.due_date, s.full_name
        LIMIT $%d OFFSET $%d`, where, argPos, argPos+1)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	fees := []models.FeeDetail{}
	if err := r.db.SelectContext(ctx, &fees, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list fees: %w", err)
	}
	return fees, total, nil
}

// ListByStudent returns every fee of a student ordered by due date.
func (r *FeeRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Fee, error) {
	const query = `SELECT id, student_id, description, total_amount, paid_amount, due_date, created_at, updated_at
        FROM fees WHERE student_id = $1 ORDER BY due_date`
	fees := []models.Fee{}
	if err := r.db.SelectContext(ctx, &fees, query, studentID); err != nil {
		return nil, fmt.Errorf("list fees by student: %w", err)
	}
	return fees, nil
}

// ListByClass returns every fee of a class's students. Used by the
// collection summary, which aggregates in memory after deriving status.
func (r *FeeRepository) ListByClass(ctx context.Context, classID string) ([]models.Fee, error) {
	const query = `SELECT f.id, f.student_id, f.description, f.total_amount, f.paid_amount, f.due_date,
            f.created_at, f.updated_at
        FROM fees f
        JOIN students s ON s.id = f.student_id
        WHERE s.class_id = $1`
	fees := []models.Fee{}
	if err := r.db.SelectContext(ctx, &fees, query, classID); err != nil {
		return nil, fmt.Errorf("list fees by class: %w", err)
	}
	return fees, nil
}

// Create inserts a new fee with a zero paid amount.
func (r *FeeRepository) Create(ctx context.Context, fee *models.Fee) error {
	if fee.ID == "" {
		fee.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	fee.CreatedAt = now
	fee.UpdatedAt = now
	fee.PaidAmount = 0
	const query = `INSERT INTO fees (id, student_id, description, total_amount, paid_amount, due_date, created_at, updated_at)
        VALUES (:id, :student_id, :description, :total_amount, :paid_amount, :due_date, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, fee); err != nil {
		return fmt.Errorf("create fee: %w", err)
	}
	return nil
}

// Update rewrites the descriptive fields of a fee. PaidAmount is
// deliberately untouched; only the payment transactions adjust it.
func (r *FeeRepository) Update(ctx context.Context, fee *models.Fee) error {
	fee.UpdatedAt = time.Now().UTC()
	const query = `UPDATE fees
        SET description = :description, total_amount = :total_amount, due_date = :due_date, updated_at = :updated_at
        WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, fee)
	if err != nil {
		return fmt.Errorf("update fee: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// Delete removes a fee and, through ON DELETE CASCADE, its payments.
func (r *FeeRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM fees WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete fee: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}
	return nil
}
