package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/repository"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
)

type feeRepo interface {
	FindByID(ctx context.Context, id string) (*models.Fee, error)
	FindDetailByID(ctx context.Context, id string) (*models.FeeDetail, error)
	IsVisible(ctx context.Context, feeID string, scope models.FeeScope) (bool, error)
	List(ctx context.Context, filter models.FeeFilter) ([]models.FeeDetail, int, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Fee, error)
	ListByClass(ctx context.Context, classID string) ([]models.Fee, error)
	Create(ctx context.Context, fee *models.Fee) error
	Update(ctx context.Context, fee *models.Fee) error
	Delete(ctx context.Context, id string) error
}

type feeStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
}

type feeClassReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

// CreateFeeRequest is the payload for creating a fee obligation.
type CreateFeeRequest struct {
	StudentID   string    `json:"student_id" validate:"required"`
	Description string    `json:"description" validate:"required"`
	TotalAmount float64   `json:"total_amount"`
	DueDate     time.Time `json:"due_date" validate:"required"`
}

// UpdateFeeRequest is the payload for editing a fee's terms.
type UpdateFeeRequest struct {
	Description string    `json:"description" validate:"required"`
	TotalAmount float64   `json:"total_amount"`
	DueDate     time.Time `json:"due_date" validate:"required"`
}

// FeeService manages fee obligations. Reads derive status on the fly;
// the database never stores it, so a fee crossing its due date needs no
// background job to become OVERDUE.
type FeeService struct {
	fees      feeRepo
	students  feeStudentReader
	classes   feeClassReader
	audit     auditWriter
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	listTTL   time.Duration
	sumTTL    time.Duration
	now       func() time.Time
}

// NewFeeService constructs a FeeService.
func NewFeeService(fees feeRepo, students feeStudentReader, classes feeClassReader, audit auditWriter, cache *CacheService, validate *validator.Validate, logger *zap.Logger, listTTL, sumTTL time.Duration) *FeeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeeService{
		fees:      fees,
		students:  students,
		classes:   classes,
		audit:     audit,
		cache:     cache,
		validator: validate,
		logger:    logger,
		listTTL:   listTTL,
		sumTTL:    sumTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new fee obligation. Zero-total fees are legal and
// immediately derive as PAID.
func (s *FeeService) Create(ctx context.Context, actor models.Actor, req CreateFeeRequest) (*models.Fee, error) {
	if !actor.Role.CanManageLedger() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may create fees")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid fee payload")
	}
	if req.TotalAmount < 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidAmount, "fee total must not be negative")
	}

	if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	fee := &models.Fee{
		StudentID:   req.StudentID,
		Description: req.Description,
		TotalAmount: req.TotalAmount,
		DueDate:     req.DueDate,
	}
	if err := s.fees.Create(ctx, fee); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create fee")
	}

	s.recordAudit(ctx, actor, models.AuditActionFeeCreate, fee.ID, fee)
	s.invalidate(ctx)
	return fee, nil
}

// Update edits a fee's description, total or due date. The paid amount
// is untouched; only payments move it.
func (s *FeeService) Update(ctx context.Context, actor models.Actor, feeID string, req UpdateFeeRequest) (*models.Fee, error) {
	if !actor.Role.CanManageLedger() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may edit fees")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid fee payload")
	}
	if req.TotalAmount < 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidAmount, "fee total must not be negative")
	}

	fee, err := s.fees.FindByID(ctx, feeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "fee not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load fee")
	}

	fee.Description = req.Description
	fee.TotalAmount = req.TotalAmount
	fee.DueDate = req.DueDate
	if err := s.fees.Update(ctx, fee); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "fee was modified concurrently")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update fee")
	}

	s.recordAudit(ctx, actor, models.AuditActionFeeUpdate, fee.ID, fee)
	s.invalidate(ctx)
	return fee, nil
}

// Delete removes a fee and all of its payments.
func (s *FeeService) Delete(ctx context.Context, actor models.Actor, feeID string) error {
	if !actor.Role.CanManageLedger() {
		return appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may delete fees")
	}

	if err := s.fees.Delete(ctx, feeID); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return appErrors.Clone(appErrors.ErrNotFound, "fee not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete fee")
	}

	s.recordAudit(ctx, actor, models.AuditActionFeeDelete, feeID, nil)
	s.invalidate(ctx)
	return nil
}

// Get returns a fee with derived status, scoped to the actor.
func (s *FeeService) Get(ctx context.Context, actor models.Actor, feeID string) (*models.FeeDetail, error) {
	visible, err := s.fees.IsVisible(ctx, feeID, models.ScopeForActor(actor))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check fee")
	}
	if !visible {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "fee not found")
	}

	detail, err := s.fees.FindDetailByID(ctx, feeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "fee not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load fee")
	}

	now := s.now()
	detail.FeeStatus = detail.Status(now)
	detail.Outstanding = detail.Fee.Outstanding()
	return detail, nil
}

// List returns fees visible to the actor with derived statuses. A
// status filter is applied after derivation, so filtering by OVERDUE
// reflects the current clock rather than any stored value.
func (s *FeeService) List(ctx context.Context, actor models.Actor, filter models.FeeFilter) ([]models.FeeDetail, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	filter.Scope = models.ScopeForActor(actor)

	// Only raw rows are cached. Status depends on the request clock, so
	// it is derived below on every path, cache hit included.
	cacheKey := fmt.Sprintf("fees:list:%s:%s:%s:%s:%s:%d:%d",
		actor.Role, actor.SubjectID, filter.StudentID, filter.Search, filter.Status, filter.Page, filter.PageSize)
	type cachedList struct {
		Fees       []models.FeeDetail `json:"fees"`
		Pagination models.Pagination  `json:"pagination"`
	}

	var fees []models.FeeDetail
	var pagination *models.Pagination
	if filter.Status == "" {
		var cached cachedList
		if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
			fees = cached.Fees
			pagination = &cached.Pagination
		}
	}
	if pagination == nil {
		rows, total, err := s.fees.List(ctx, filter)
		if err != nil {
			return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list fees")
		}
		fees = rows
		pagination = &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
		if filter.Status == "" {
			_ = s.cache.Set(ctx, cacheKey, cachedList{Fees: fees, Pagination: *pagination}, s.listTTL)
		}
	}

	now := s.now()
	for i := range fees {
		fees[i].FeeStatus = fees[i].Status(now)
		fees[i].Outstanding = fees[i].Fee.Outstanding()
	}

	if filter.Status != "" {
		filtered := fees[:0]
		for _, fee := range fees {
			if fee.FeeStatus == filter.Status {
				filtered = append(filtered, fee)
			}
		}
		fees = filtered
	}
	return fees, pagination, nil
}

// ListForStudent returns a student's fees with derived statuses, used
// by statements and the student detail view.
func (s *FeeService) ListForStudent(ctx context.Context, studentID string) ([]models.Fee, error) {
	fees, err := s.fees.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list student fees")
	}
	return fees, nil
}

// ClassSummary aggregates a class's collection state. The aggregate is
// cached briefly; every ledger mutation invalidates it.
func (s *FeeService) ClassSummary(ctx context.Context, actor models.Actor, classID string) (*models.ClassCollectionSummary, error) {
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleAccountant && actor.Role != models.RoleTeacher {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "insufficient role for collection summary")
	}

	// The cache holds the class and its raw fee rows, never the derived
	// counts: a fee crossing its due date must flip to OVERDUE inside the
	// TTL, and the supervisor check has to run on warm reads too.
	type classLedger struct {
		Class models.Class `json:"class"`
		Fees  []models.Fee `json:"fees"`
	}
	cacheKey := "summary:class:" + classID

	var ledger classLedger
	hit, _ := s.cache.Get(ctx, cacheKey, &ledger)
	if !hit {
		class, err := s.classes.FindByID(ctx, classID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
		}
		fees, err := s.fees.ListByClass(ctx, classID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class fees")
		}
		ledger = classLedger{Class: *class, Fees: fees}
		_ = s.cache.Set(ctx, cacheKey, ledger, s.sumTTL)
	}

	if actor.Role == models.RoleTeacher && (ledger.Class.SupervisorID == nil || *ledger.Class.SupervisorID != actor.SubjectID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "teachers may only view their own class")
	}

	now := s.now()
	summary := &models.ClassCollectionSummary{
		ClassID:      ledger.Class.ID,
		ClassName:    ledger.Class.Name,
		StatusCounts: map[models.FeeStatus]int{},
		GeneratedAt:  now,
	}
	for _, fee := range ledger.Fees {
		summary.TotalBilled += fee.TotalAmount
		summary.TotalPaid += fee.PaidAmount
		summary.Outstanding += fee.Outstanding()
		summary.StatusCounts[fee.Status(now)]++
	}
	return summary, nil
}

func (s *FeeService) recordAudit(ctx context.Context, actor models.Actor, action, resourceID string, value interface{}) {
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
		Resource:   "fee",
		ResourceID: &resourceID,
		NewValues:  values,
	}); err != nil {
		s.logger.Warn("failed to record fee audit log", zap.Error(err))
	}
}

func (s *FeeService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Invalidate(ctx, "fees:*")
	_ = s.cache.Invalidate(ctx, "summary:*")
}
