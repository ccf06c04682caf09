package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/schoolworks/finance-api/internal/events"
	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/repository"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
)

type ledgerFeeReader interface {
	FindByID(ctx context.Context, id string) (*models.Fee, error)
	IsVisible(ctx context.Context, feeID string, scope models.FeeScope) (bool, error)
}

type paymentRepo interface {
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	Create(ctx context.Context, payment *models.Payment) error
	UpdateAmount(ctx context.Context, payment *models.Payment, previousAmount float64) error
	Delete(ctx context.Context, payment *models.Payment) error
	ListByFee(ctx context.Context, feeID string) ([]models.Payment, error)
	List(ctx context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error)
}

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// RecordPaymentRequest is the payload for recording a payment.
type RecordPaymentRequest struct {
	FeeID         string               `json:"fee_id" validate:"required"`
	Amount        float64              `json:"amount" validate:"required"`
	Method        models.PaymentMethod `json:"method" validate:"required"`
	TransactionID *string              `json:"transaction_id"`
	PaidAt        *time.Time           `json:"paid_at"`
}

// EditPaymentRequest is the payload for correcting a payment amount.
type EditPaymentRequest struct {
	Amount float64 `json:"amount" validate:"required"`
}

// LedgerService owns the payment ledger: every mutation checks the
// caller's role explicitly, keeps the fee's paid amount consistent and
// leaves an audit trail. Mutations are restricted to admins and
// accountants; read scoping for other roles comes from ScopeForActor.
type LedgerService struct {
	fees      ledgerFeeReader
	payments  paymentRepo
	audit     auditWriter
	cache     *CacheService
	metrics   *MetricsService
	publisher events.Publisher
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewLedgerService constructs a LedgerService.
func NewLedgerService(fees ledgerFeeReader, payments paymentRepo, audit auditWriter, cache *CacheService, metrics *MetricsService, publisher events.Publisher, validate *validator.Validate, logger *zap.Logger) *LedgerService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{
		fees:      fees,
		payments:  payments,
		audit:     audit,
		cache:     cache,
		metrics:   metrics,
		publisher: publisher,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordPayment appends a payment to a fee's ledger and bumps the fee's
// paid amount in the same transaction. Overpayment is allowed; the
// derived status simply reports PAID.
func (s *LedgerService) RecordPayment(ctx context.Context, actor models.Actor, req RecordPaymentRequest) (*models.Payment, error) {
	if !actor.Role.CanManageLedger() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may record payments")
	}
	if req.Amount <= 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidAmount, "payment amount must be positive")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}
	if !req.Method.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown payment method")
	}

	fee, err := s.fees.FindByID(ctx, req.FeeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "fee not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load fee")
	}

	payment := &models.Payment{
		FeeID:         fee.ID,
		Amount:        req.Amount,
		Method:        req.Method,
		TransactionID: req.TransactionID,
		RecordedBy:    &actor.SubjectID,
	}
	if req.PaidAt != nil {
		payment.PaidAt = req.PaidAt.UTC()
	}

	if err := s.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "fee was modified concurrently")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
	}

	if fee.PaidAmount+payment.Amount > fee.TotalAmount {
		s.logger.Warn("payment exceeds outstanding balance",
			zap.String("fee_id", fee.ID),
			zap.Float64("total_amount", fee.TotalAmount),
			zap.Float64("paid_amount", fee.PaidAmount+payment.Amount),
		)
	}

	s.afterMutation(ctx, actor, models.AuditActionPaymentRecord, "record", payment)
	return payment, nil
}

// EditPayment corrects a payment's amount and shifts the fee's paid
// amount by the delta.
func (s *LedgerService) EditPayment(ctx context.Context, actor models.Actor, paymentID string, req EditPaymentRequest) (*models.Payment, error) {
	if !actor.Role.CanManageLedger() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may edit payments")
	}
	if req.Amount <= 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidAmount, "payment amount must be positive")
	}

	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}

	previousAmount := payment.Amount
	if req.Amount == previousAmount {
		return payment, nil
	}
	payment.Amount = req.Amount

	if err := s.payments.UpdateAmount(ctx, payment, previousAmount); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "payment was modified concurrently")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to edit payment")
	}

	s.afterMutation(ctx, actor, models.AuditActionPaymentEdit, "edit", payment)
	return payment, nil
}

// DeletePayment removes a payment and reverts its amount from the fee.
// The removal is destructive; the audit log keeps the trace.
func (s *LedgerService) DeletePayment(ctx context.Context, actor models.Actor, paymentID string) error {
	if !actor.Role.CanManageLedger() {
		return appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may delete payments")
	}

	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}

	if err := s.payments.Delete(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return appErrors.Clone(appErrors.ErrConcurrencyConflict, "payment was modified concurrently")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete payment")
	}

	s.afterMutation(ctx, actor, models.AuditActionPaymentDelete, "delete", payment)
	return nil
}

// ListPaymentsForFee returns a fee's payments in chronological order.
// Restricted roles only see fees inside their scope; out-of-scope fees
// are indistinguishable from missing ones.
func (s *LedgerService) ListPaymentsForFee(ctx context.Context, actor models.Actor, feeID string) ([]models.Payment, error) {
	visible, err := s.fees.IsVisible(ctx, feeID, models.ScopeForActor(actor))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check fee")
	}
	if !visible {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "fee not found")
	}

	payments, err := s.payments.ListByFee(ctx, feeID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payments")
	}
	return payments, nil
}

// ListPayments returns payments across fees, scoped to the actor.
func (s *LedgerService) ListPayments(ctx context.Context, actor models.Actor, filter models.PaymentFilter) ([]models.PaymentDetail, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	filter.Scope = models.ScopeForActor(actor)

	payments, total, err := s.payments.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payments")
	}
	return payments, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// afterMutation records the audit trail, counters, cache invalidation
// and event publication shared by every successful ledger mutation.
// Failures here are logged, never surfaced; the mutation has committed.
func (s *LedgerService) afterMutation(ctx context.Context, actor models.Actor, auditAction, operation string, payment *models.Payment) {
	if s.audit != nil {
		values, _ := json.Marshal(payment)
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actor.SubjectID,
			Action:     auditAction,
			Resource:   "payment",
			ResourceID: &payment.ID,
			NewValues:  values,
		}); err != nil {
			s.logger.Warn("failed to record payment audit log", zap.Error(err))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordPaymentMutation(operation, payment.Amount)
	}

	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, "fees:*")
		_ = s.cache.Invalidate(ctx, "summary:*")
	}

	if s.publisher != nil {
		eventType := map[string]string{
			"record": events.EventPaymentRecorded,
			"edit":   events.EventPaymentEdited,
			"delete": events.EventPaymentDeleted,
		}[operation]
		if err := s.publisher.PublishLedgerEvent(ctx, events.LedgerEvent{
			Type:      eventType,
			FeeID:     payment.FeeID,
			PaymentID: payment.ID,
			Amount:    payment.Amount,
		}); err != nil {
			s.logger.Warn("failed to publish ledger event", zap.Error(err))
		}
	}
}
