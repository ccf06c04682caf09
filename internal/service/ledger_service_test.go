package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolworks/finance-api/internal/events"
	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/repository"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
)

type fakeFeeReader struct {
	fees    map[string]*models.Fee
	visible map[string]bool
}

func (f *fakeFeeReader) FindByID(_ context.Context, id string) (*models.Fee, error) {
	fee, ok := f.fees[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *fee
	return &copied, nil
}

func (f *fakeFeeReader) IsVisible(_ context.Context, feeID string, scope models.FeeScope) (bool, error) {
	if scope.Unrestricted() {
		_, ok := f.fees[feeID]
		return ok, nil
	}
	return f.visible[feeID], nil
}

type fakePaymentRepo struct {
	payments map[string]*models.Payment
	fees     map[string]*models.Fee
	conflict bool
	created  []*models.Payment
	deleted  []string
}

func (f *fakePaymentRepo) FindByID(_ context.Context, id string) (*models.Payment, error) {
	payment, ok := f.payments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *payment
	return &copied, nil
}

func (f *fakePaymentRepo) Create(_ context.Context, payment *models.Payment) error {
	if f.conflict {
		return repository.ErrNoRowsAffected
	}
	payment.ID = "pay-new"
	if fee, ok := f.fees[payment.FeeID]; ok {
		fee.PaidAmount += payment.Amount
	}
	f.payments[payment.ID] = payment
	f.created = append(f.created, payment)
	return nil
}

func (f *fakePaymentRepo) UpdateAmount(_ context.Context, payment *models.Payment, previousAmount float64) error {
	if f.conflict {
		return repository.ErrNoRowsAffected
	}
	if fee, ok := f.fees[payment.FeeID]; ok {
		fee.PaidAmount += payment.Amount - previousAmount
	}
	f.payments[payment.ID] = payment
	return nil
}

func (f *fakePaymentRepo) Delete(_ context.Context, payment *models.Payment) error {
	if f.conflict {
		return repository.ErrNoRowsAffected
	}
	if fee, ok := f.fees[payment.FeeID]; ok {
		fee.PaidAmount -= payment.Amount
	}
	delete(f.payments, payment.ID)
	f.deleted = append(f.deleted, payment.ID)
	return nil
}

func (f *fakePaymentRepo) ListByFee(_ context.Context, feeID string) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range f.payments {
		if p.FeeID == feeID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePaymentRepo) List(_ context.Context, _ models.PaymentFilter) ([]models.PaymentDetail, int, error) {
	return nil, 0, nil
}

type fakeAuditWriter struct {
	logs []*models.AuditLog
}

func (f *fakeAuditWriter) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	f.logs = append(f.logs, log)
	return nil
}

type fakePublisher struct {
	events []events.LedgerEvent
}

func (f *fakePublisher) PublishLedgerEvent(_ context.Context, event events.LedgerEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func newLedgerFixture(t *testing.T) (*LedgerService, *fakeFeeReader, *fakePaymentRepo, *fakeAuditWriter, *fakePublisher) {
	t.Helper()
	fee := &models.Fee{ID: "fee-1", StudentID: "stu-1", TotalAmount: 500, PaidAmount: 100}
	fees := &fakeFeeReader{fees: map[string]*models.Fee{"fee-1": fee}, visible: map[string]bool{}}
	payments := &fakePaymentRepo{
		payments: map[string]*models.Payment{
			"pay-1": {ID: "pay-1", FeeID: "fee-1", Amount: 100, Method: models.PaymentMethodCash},
		},
		fees: fees.fees,
	}
	audit := &fakeAuditWriter{}
	publisher := &fakePublisher{}
	svc := NewLedgerService(fees, payments, audit, nil, nil, publisher, nil, nil)
	return svc, fees, payments, audit, publisher
}

var accountant = models.Actor{SubjectID: "acc-1", Role: models.RoleAccountant}

func TestRecordPayment(t *testing.T) {
	t.Run("records and bumps paid amount", func(t *testing.T) {
		svc, fees, payments, audit, publisher := newLedgerFixture(t)

		payment, err := svc.RecordPayment(context.Background(), accountant, RecordPaymentRequest{
			FeeID:  "fee-1",
			Amount: 150,
			Method: models.PaymentMethodBankTransfer,
		})
		require.NoError(t, err)
		require.Equal(t, "pay-new", payment.ID)
		require.Equal(t, 250.0, fees.fees["fee-1"].PaidAmount)
		require.Len(t, payments.created, 1)
		require.Equal(t, &accountant.SubjectID, payment.RecordedBy)

		require.Len(t, audit.logs, 1)
		require.Equal(t, models.AuditActionPaymentRecord, audit.logs[0].Action)
		require.Len(t, publisher.events, 1)
		require.Equal(t, events.EventPaymentRecorded, publisher.events[0].Type)
	})

	t.Run("rejects non managers", func(t *testing.T) {
		svc, _, payments, _, _ := newLedgerFixture(t)

		for _, role := range []models.UserRole{models.RoleTeacher, models.RoleStudent, models.RoleParent} {
			_, err := svc.RecordPayment(context.Background(), models.Actor{SubjectID: "x", Role: role}, RecordPaymentRequest{
				FeeID:  "fee-1",
				Amount: 50,
				Method: models.PaymentMethodCash,
			})
			require.Error(t, err)
			require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
		}
		require.Empty(t, payments.created)
	})

	t.Run("rejects non positive amounts", func(t *testing.T) {
		svc, _, _, _, _ := newLedgerFixture(t)

		// Zero must classify as an invalid amount too, not as a generic
		// validation failure on the required tag.
		for _, amount := range []float64{-50, 0} {
			_, err := svc.RecordPayment(context.Background(), accountant, RecordPaymentRequest{
				FeeID:  "fee-1",
				Amount: amount,
				Method: models.PaymentMethodCash,
			})
			require.Error(t, err)
			require.Equal(t, appErrors.ErrInvalidAmount.Code, appErrors.FromError(err).Code)
		}
	})

	t.Run("unknown fee", func(t *testing.T) {
		svc, _, _, _, _ := newLedgerFixture(t)

		_, err := svc.RecordPayment(context.Background(), accountant, RecordPaymentRequest{
			FeeID:  "fee-missing",
			Amount: 50,
			Method: models.PaymentMethodCash,
		})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		svc, _, _, _, _ := newLedgerFixture(t)

		_, err := svc.RecordPayment(context.Background(), accountant, RecordPaymentRequest{
			FeeID:  "fee-1",
			Amount: 50,
			Method: "CHEQUE",
		})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	})

	t.Run("maps lost race to conflict", func(t *testing.T) {
		svc, _, payments, _, _ := newLedgerFixture(t)
		payments.conflict = true

		_, err := svc.RecordPayment(context.Background(), accountant, RecordPaymentRequest{
			FeeID:  "fee-1",
			Amount: 50,
			Method: models.PaymentMethodCash,
		})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrConcurrencyConflict.Code, appErrors.FromError(err).Code)
	})

	t.Run("overpayment is allowed", func(t *testing.T) {
		svc, fees, _, _, _ := newLedgerFixture(t)

		_, err := svc.RecordPayment(context.Background(), accountant, RecordPaymentRequest{
			FeeID:  "fee-1",
			Amount: 900,
			Method: models.PaymentMethodCash,
		})
		require.NoError(t, err)
		require.Equal(t, 1000.0, fees.fees["fee-1"].PaidAmount)
		require.Equal(t, models.FeeStatusPaid, fees.fees["fee-1"].Status(time.Now()))
	})
}

func TestEditPayment(t *testing.T) {
	t.Run("shifts fee by the delta", func(t *testing.T) {
		svc, fees, _, audit, publisher := newLedgerFixture(t)

		payment, err := svc.EditPayment(context.Background(), accountant, "pay-1", EditPaymentRequest{Amount: 160})
		require.NoError(t, err)
		require.Equal(t, 160.0, payment.Amount)
		require.Equal(t, 160.0, fees.fees["fee-1"].PaidAmount)
		require.Equal(t, models.AuditActionPaymentEdit, audit.logs[0].Action)
		require.Equal(t, events.EventPaymentEdited, publisher.events[0].Type)
	})

	t.Run("same amount is a no-op", func(t *testing.T) {
		svc, fees, _, audit, _ := newLedgerFixture(t)

		payment, err := svc.EditPayment(context.Background(), accountant, "pay-1", EditPaymentRequest{Amount: 100})
		require.NoError(t, err)
		require.Equal(t, 100.0, payment.Amount)
		require.Equal(t, 100.0, fees.fees["fee-1"].PaidAmount)
		require.Empty(t, audit.logs)
	})

	t.Run("missing payment", func(t *testing.T) {
		svc, _, _, _, _ := newLedgerFixture(t)

		_, err := svc.EditPayment(context.Background(), accountant, "pay-missing", EditPaymentRequest{Amount: 80})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	})

	t.Run("conflict when the row changed underneath", func(t *testing.T) {
		svc, _, payments, _, _ := newLedgerFixture(t)
		payments.conflict = true

		_, err := svc.EditPayment(context.Background(), accountant, "pay-1", EditPaymentRequest{Amount: 80})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrConcurrencyConflict.Code, appErrors.FromError(err).Code)
	})

	t.Run("forbidden for teachers", func(t *testing.T) {
		svc, _, _, _, _ := newLedgerFixture(t)

		_, err := svc.EditPayment(context.Background(), models.Actor{SubjectID: "t", Role: models.RoleTeacher}, "pay-1", EditPaymentRequest{Amount: 80})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	})
}

func TestDeletePayment(t *testing.T) {
	t.Run("reverts the fee and leaves an audit trace", func(t *testing.T) {
		svc, fees, payments, audit, publisher := newLedgerFixture(t)

		err := svc.DeletePayment(context.Background(), accountant, "pay-1")
		require.NoError(t, err)
		require.Equal(t, 0.0, fees.fees["fee-1"].PaidAmount)
		require.Equal(t, []string{"pay-1"}, payments.deleted)
		require.Equal(t, models.AuditActionPaymentDelete, audit.logs[0].Action)
		require.Equal(t, events.EventPaymentDeleted, publisher.events[0].Type)
	})

	t.Run("record then delete restores the balance", func(t *testing.T) {
		svc, fees, _, _, _ := newLedgerFixture(t)

		payment, err := svc.RecordPayment(context.Background(), accountant, RecordPaymentRequest{
			FeeID:  "fee-1",
			Amount: 300,
			Method: models.PaymentMethodUPI,
		})
		require.NoError(t, err)
		require.Equal(t, 400.0, fees.fees["fee-1"].PaidAmount)

		require.NoError(t, svc.DeletePayment(context.Background(), accountant, payment.ID))
		require.Equal(t, 100.0, fees.fees["fee-1"].PaidAmount)
	})

	t.Run("missing payment", func(t *testing.T) {
		svc, _, _, _, _ := newLedgerFixture(t)

		err := svc.DeletePayment(context.Background(), accountant, "pay-missing")
		require.Error(t, err)
		require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	})
}

func TestListPaymentsForFee(t *testing.T) {
	t.Run("managers see everything", func(t *testing.T) {
		svc, _, _, _, _ := newLedgerFixture(t)

		payments, err := svc.ListPaymentsForFee(context.Background(), accountant, "fee-1")
		require.NoError(t, err)
		require.Len(t, payments, 1)
	})

	t.Run("out of scope fee reads as missing", func(t *testing.T) {
		svc, fees, _, _, _ := newLedgerFixture(t)
		fees.visible["fee-1"] = false

		_, err := svc.ListPaymentsForFee(context.Background(), models.Actor{SubjectID: "other", Role: models.RoleStudent}, "fee-1")
		require.Error(t, err)
		require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	})

	t.Run("in scope student sees own fee", func(t *testing.T) {
		svc, fees, _, _, _ := newLedgerFixture(t)
		fees.visible["fee-1"] = true

		payments, err := svc.ListPaymentsForFee(context.Background(), models.Actor{SubjectID: "stu-user", Role: models.RoleStudent}, "fee-1")
		require.NoError(t, err)
		require.Len(t, payments, 1)
	})
}
