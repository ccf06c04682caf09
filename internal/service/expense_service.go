package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/repository"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
)

type expenseRepo interface {
	FindByID(ctx context.Context, id string) (*models.Expense, error)
	List(ctx context.Context, filter models.ExpenseFilter) ([]models.Expense, int, error)
	Create(ctx context.Context, expense *models.Expense) error
	Update(ctx context.Context, expense *models.Expense) error
	Delete(ctx context.Context, id string) error
	SumByType(ctx context.Context, from, to time.Time) (map[models.ExpenseType]float64, error)
}

// ExpenseRequest is the payload for creating or updating an expense.
type ExpenseRequest struct {
	ExpenseType models.ExpenseType `json:"expense_type" validate:"required"`
	Amount      float64            `json:"amount" validate:"required"`
	Description string             `json:"description"`
	SpentAt     time.Time          `json:"spent_at" validate:"required"`
}

// ExpenseService manages school expenditure records.
type ExpenseService struct {
	expenses  expenseRepo
	audit     auditWriter
	validator *validator.Validate
	logger    *zap.Logger
}

// NewExpenseService constructs an ExpenseService.
func NewExpenseService(expenses expenseRepo, audit auditWriter, validate *validator.Validate, logger *zap.Logger) *ExpenseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpenseService{expenses: expenses, audit: audit, validator: validate, logger: logger}
}

// Get returns a single expense.
func (s *ExpenseService) Get(ctx context.Context, id string) (*models.Expense, error) {
	expense, err := s.expenses.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "expense not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load expense")
	}
	return expense, nil
}

// List returns expenses matching the filter.
func (s *ExpenseService) List(ctx context.Context, filter models.ExpenseFilter) ([]models.Expense, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown expense type")
	}

	expenses, total, err := s.expenses.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list expenses")
	}
	return expenses, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Create records a new expense.
func (s *ExpenseService) Create(ctx context.Context, actor models.Actor, req ExpenseRequest) (*models.Expense, error) {
	if !actor.Role.CanManageLedger() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may record expenses")
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	expense := &models.Expense{
		ExpenseType: req.ExpenseType,
		Amount:      req.Amount,
		Description: req.Description,
		SpentAt:     req.SpentAt,
		RecordedBy:  &actor.SubjectID,
	}
	if err := s.expenses.Create(ctx, expense); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create expense")
	}

	s.recordAudit(ctx, actor, models.AuditActionExpenseCreate, expense.ID, expense)
	return expense, nil
}

// Update rewrites an expense.
func (s *ExpenseService) Update(ctx context.Context, actor models.Actor, id string, req ExpenseRequest) (*models.Expense, error) {
	if !actor.Role.CanManageLedger() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may edit expenses")
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	expense, err := s.expenses.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "expense not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load expense")
	}

	expense.ExpenseType = req.ExpenseType
	expense.Amount = req.Amount
	expense.Description = req.Description
	expense.SpentAt = req.SpentAt
	if err := s.expenses.Update(ctx, expense); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "expense was modified concurrently")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update expense")
	}

	s.recordAudit(ctx, actor, models.AuditActionExpenseUpdate, expense.ID, expense)
	return expense, nil
}

// Delete removes an expense.
func (s *ExpenseService) Delete(ctx context.Context, actor models.Actor, id string) error {
	if !actor.Role.CanManageLedger() {
		return appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may delete expenses")
	}

	if err := s.expenses.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return appErrors.Clone(appErrors.ErrNotFound, "expense not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete expense")
	}

	s.recordAudit(ctx, actor, models.AuditActionExpenseDelete, id, nil)
	return nil
}

// Summary aggregates expenses per type within a period.
func (s *ExpenseService) Summary(ctx context.Context, actor models.Actor, from, to time.Time) (*models.ExpenseSummary, error) {
	if !actor.Role.CanManageLedger() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may view expense summaries")
	}
	if to.Before(from) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "period end precedes start")
	}

	sums, err := s.expenses.SumByType(ctx, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate expenses")
	}

	summary := &models.ExpenseSummary{From: from, To: to, ByType: sums}
	for _, amount := range sums {
		summary.Total += amount
	}
	return summary, nil
}

func (s *ExpenseService) validateRequest(req ExpenseRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid expense payload")
	}
	if req.Amount <= 0 {
		return appErrors.Clone(appErrors.ErrInvalidAmount, "expense amount must be positive")
	}
	if !req.ExpenseType.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "unknown expense type")
	}
	return nil
}

func (s *ExpenseService) recordAudit(ctx context.Context, actor models.Actor, action, resourceID string, value interface{}) {
	if s.audit == nil {
		return
	}
	var values []byte
	if value != nil {
		values, _ = json.Marshal(value)
	}
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.SubjectID,
		Action:     action,
		Resource:   "expense",
		ResourceID: &resourceID,
		NewValues:  values,
	}); err != nil {
		s.logger.Warn("failed to record expense audit log", zap.Error(err))
	}
}
