package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/schoolworks/finance-api/internal/models"
)

func TestFeeRepositoryCreateResetsPaidAmount(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewFeeRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fees")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	fee := &models.Fee{
		StudentID:   "stu-1",
		Description: "Term 1 tuition",
		TotalAmount: 500,
		PaidAmount:  999, // must not survive the insert
		DueDate:     time.Now().Add(30 * 24 * time.Hour),
	}
	require.NoError(t, repo.Create(context.Background(), fee))
	require.NotEmpty(t, fee.ID)
	require.Equal(t, 0.0, fee.PaidAmount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFeeRepositoryUpdateMissing(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewFeeRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE fees")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &models.Fee{ID: "fee-gone", Description: "x", DueDate: time.Now()})
	require.ErrorIs(t, err, ErrNoRowsAffected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFeeRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewFeeRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM fees WHERE id = $1")).
		WithArgs("fee-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), "fee-1"))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM fees WHERE id = $1")).
		WithArgs("fee-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, repo.Delete(context.Background(), "fee-gone"), ErrNoRowsAffected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFeeRepositoryIsVisibleScoping(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewFeeRepository(db)

	t.Run("unrestricted checks existence only", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WithArgs("fee-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		visible, err := repo.IsVisible(context.Background(), "fee-1", models.FeeScope{})
		require.NoError(t, err)
		require.True(t, visible)
	})

	t.Run("student scope adds the user predicate", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("s.user_id = $2")).
			WithArgs("fee-1", "user-9").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		visible, err := repo.IsVisible(context.Background(), "fee-1", models.FeeScope{StudentUserID: "user-9"})
		require.NoError(t, err)
		require.False(t, visible)
	})

	t.Run("teacher scope filters by supervised classes", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("s.class_id IN (SELECT id FROM classes WHERE supervisor_id = $2)")).
			WithArgs("fee-1", "teach-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		visible, err := repo.IsVisible(context.Background(), "fee-1", models.FeeScope{SupervisorID: "teach-1"})
		require.NoError(t, err)
		require.True(t, visible)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFeeRepositoryListScoped(t *testing.T) {
	db, mock, cleanup := newPaymentRepoMock(t)
	defer cleanup()

	repo := NewFeeRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM fees f")).
		WithArgs("parent-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rows := sqlmock.NewRows([]string{"id", "student_id", "description", "total_amount", "paid_amount", "due_date", "created_at", "updated_at", "student_name", "student_nis", "class_name"}).
		AddRow("fee-1", "stu-1", "Term 1 tuition", 500.0, 100.0, now, now, now, "Alice Tan", "1001", "7A")
	mock.ExpectQuery(regexp.QuoteMeta("s.parent_id = $1")).
		WithArgs("parent-1", 20, 0).
		WillReturnRows(rows)

	fees, total, err := repo.List(context.Background(), models.FeeFilter{
		Scope:    models.FeeScope{ParentID: "parent-1"},
		Page:     1,
		PageSize: 20,
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, fees, 1)
	require.Equal(t, "Alice Tan", fees[0].StudentName)
	require.NoError(t, mock.ExpectationsWereMet())
}
