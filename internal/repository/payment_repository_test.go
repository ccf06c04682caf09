package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/schoolworks/finance-api/internal/models"
)

func newPaymentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestPaymentRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewPaymentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE fees SET paid_amount = paid_amount + $2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payments")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payment := &models.Payment{
		FeeID:  "fee-1",
		Amount: 150,
		Method: models.PaymentMethodCash,
	}
	require.NoError(t, repo.Create(context.Background(), payment))
	require.NotEmpty(t, payment.ID)
	require.False(t, payment.PaidAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryCreateMissingFee(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewPaymentRepository(db)

	// The fee row vanished; the payment insert must never run.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE fees SET paid_amount = paid_amount + $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &models.Payment{FeeID: "fee-gone", Amount: 50, Method: models.PaymentMethodCash})
	require.ErrorIs(t, err, ErrNoRowsAffected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryUpdateAmount(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewPaymentRepository(db)

	payment := &models.Payment{ID: "pay-1", FeeID: "fee-1", Amount: 200}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE fees SET paid_amount = paid_amount + $2")).
		WithArgs("fee-1", 50.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments SET amount = $2")).
		WithArgs("pay-1", 200.0, sqlmock.AnyArg(), 150.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.UpdateAmount(context.Background(), payment, 150))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryUpdateAmountLostRace(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewPaymentRepository(db)

	// Another writer already changed the amount, so the guarded update
	// matches nothing and the fee delta rolls back.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE fees SET paid_amount = paid_amount + $2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments SET amount = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.UpdateAmount(context.Background(), &models.Payment{ID: "pay-1", FeeID: "fee-1", Amount: 200}, 150)
	require.ErrorIs(t, err, ErrNoRowsAffected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewPaymentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE fees SET paid_amount = paid_amount - $2")).
		WithArgs("fee-1", 150.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM payments WHERE id = $1 AND amount = $2")).
		WithArgs("pay-1", 150.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Delete(context.Background(), &models.Payment{ID: "pay-1", FeeID: "fee-1", Amount: 150}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryDeleteLostRace(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewPaymentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE fees SET paid_amount = paid_amount - $2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM payments WHERE id = $1 AND amount = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Delete(context.Background(), &models.Payment{ID: "pay-1", FeeID: "fee-1", Amount: 150})
	require.ErrorIs(t, err, ErrNoRowsAffected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryListByFee(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewPaymentRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "fee_id", "amount", "paid_at", "method", "transaction_id", "recorded_by", "created_at", "updated_at"}).
		AddRow("pay-1", "fee-1", 100.0, now.Add(-time.Hour), "CASH", nil, nil, now, now).
		AddRow("pay-2", "fee-1", 50.0, now, "UPI", "txn-7", "acc-1", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE fee_id = $1 ORDER BY paid_at, created_at")).
		WithArgs("fee-1").
		WillReturnRows(rows)

	payments, err := repo.ListByFee(context.Background(), "fee-1")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	require.Equal(t, "pay-1", payments[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
