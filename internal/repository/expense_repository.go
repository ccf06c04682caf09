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

// ExpenseRepository manages persistence for expenses.
type ExpenseRepository struct {
	db *sqlx.DB
}

// NewExpenseRepository constructs an ExpenseRepository.
func NewExpenseRepository(db *sqlx.DB) *ExpenseRepository {
	return &ExpenseRepository{db: db}
}

// FindByID fetches an expense by ID.
func (r *ExpenseRepository) FindByID(ctx context.Context, id string) (*models.Expense, error) {
	const query = `SELECT id, expense_type, amount, description, spent_at, recorded_by, created_at, updated_at
        FROM expenses WHERE id = $1`
	var expense models.Expense
	if err := r.db.GetContext(ctx, &expense, query, id); err != nil {
		return nil, err
	}
	return &expense, nil
}

// List returns expenses matching the filter plus the unpaginated total.
func (r *ExpenseRepository) List(ctx context.Context, filter models.ExpenseFilter) ([]models.Expense, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	argPos := 1

	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("expense_type = $%d", argPos))
		args = append(args, filter.Type)
		argPos++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("description ILIKE $%d", argPos))
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("spent_at >= $%d", argPos))
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("spent_at <= $%d", argPos))
		args = append(args, *filter.To)
		argPos++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM expenses WHERE " + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count expenses: %w", err)
	}

	query := fmt.Sprintf(`SELECT id, expense_type, amount, description, spent_at, recorded_by, created_at, updated_at
        FROM expenses
        WHERE %s
        ORDER BY spent_at DESC
        LIMIT $%d OFFSET $%d`, where, argPos, argPos+1)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	expenses := []models.Expense{}
	if err := r.db.SelectContext(ctx, &expenses, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list expenses: %w", err)
	}
	return expenses, total, nil
}

// Create inserts a new expense record.
func (r *ExpenseRepository) Create(ctx context.Context, expense *models.Expense) error {
	if expense.ID == "" {
		expense.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	expense.CreatedAt = now
	expense.UpdatedAt = now
	const query = `INSERT INTO expenses (id, expense_type, amount, description, spent_at, recorded_by, created_at, updated_at)
        VALUES (:id, :expense_type, :amount, :description, :spent_at, :recorded_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, expense); err != nil {
		return fmt.Errorf("create expense: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an expense.
func (r *ExpenseRepository) Update(ctx context.Context, expense *models.Expense) error {
	expense.UpdatedAt = time.Now().UTC()
	const query = `UPDATE expenses
        SET expense_type = :expense_type, amount = :amount, description = :description,
            spent_at = :spent_at, updated_at = :updated_at
        WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, expense)
	if err != nil {
		return fmt.Errorf("update expense: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// Delete removes an expense record.
func (r *ExpenseRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM expenses WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// SumByType aggregates expense amounts per type within a period.
func (r *ExpenseRepository) SumByType(ctx context.Context, from, to time.Time) (map[models.ExpenseType]float64, error) {
	const query = `SELECT expense_type, COALESCE(SUM(amount), 0) AS total
        FROM expenses
        WHERE spent_at >= $1 AND spent_at <= $2
        GROUP BY expense_type`
	rows := []struct {
		ExpenseType models.ExpenseType `db:"expense_type"`
		Total       float64            `db:"total"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, from, to); err != nil {
		return nil, fmt.Errorf("sum expenses: %w", err)
	}
	sums := make(map[models.ExpenseType]float64, len(rows))
	for _, row := range rows {
		sums[row.ExpenseType] = row.Total
	}
	return sums, nil
}
