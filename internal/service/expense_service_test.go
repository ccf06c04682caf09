package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/repository"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
)

type fakeExpenseRepo struct {
	expenses map[string]*models.Expense
	sums     map[models.ExpenseType]float64
	conflict bool
}

func (f *fakeExpenseRepo) FindByID(_ context.Context, id string) (*models.Expense, error) {
	expense, ok := f.expenses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *expense
	return &copied, nil
}

func (f *fakeExpenseRepo) List(_ context.Context, _ models.ExpenseFilter) ([]models.Expense, int, error) {
	var out []models.Expense
	for _, expense := range f.expenses {
		out = append(out, *expense)
	}
	return out, len(out), nil
}

func (f *fakeExpenseRepo) Create(_ context.Context, expense *models.Expense) error {
	expense.ID = "exp-new"
	f.expenses[expense.ID] = expense
	return nil
}

func (f *fakeExpenseRepo) Update(_ context.Context, expense *models.Expense) error {
	if f.conflict {
		return repository.ErrNoRowsAffected
	}
	f.expenses[expense.ID] = expense
	return nil
}

func (f *fakeExpenseRepo) Delete(_ context.Context, id string) error {
	if _, ok := f.expenses[id]; !ok {
		return repository.ErrNoRowsAffected
	}
	delete(f.expenses, id)
	return nil
}

func (f *fakeExpenseRepo) SumByType(_ context.Context, _, _ time.Time) (map[models.ExpenseType]float64, error) {
	return f.sums, nil
}

func newExpenseFixture() (*ExpenseService, *fakeExpenseRepo, *fakeAuditWriter) {
	repo := &fakeExpenseRepo{
		expenses: map[string]*models.Expense{},
		sums:     map[models.ExpenseType]float64{},
	}
	audit := &fakeAuditWriter{}
	return NewExpenseService(repo, audit, nil, nil), repo, audit
}

func TestExpenseCreate(t *testing.T) {
	spent := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	t.Run("records with the actor attached", func(t *testing.T) {
		svc, repo, audit := newExpenseFixture()

		expense, err := svc.Create(context.Background(), accountant, ExpenseRequest{
			ExpenseType: models.ExpenseTypeSupplies,
			Amount:      250,
			Description: "Lab glassware",
			SpentAt:     spent,
		})
		require.NoError(t, err)
		require.Equal(t, &accountant.SubjectID, expense.RecordedBy)
		require.Contains(t, repo.expenses, "exp-new")
		require.Equal(t, models.AuditActionExpenseCreate, audit.logs[0].Action)
	})

	t.Run("rejects non positive amounts", func(t *testing.T) {
		svc, _, _ := newExpenseFixture()

		_, err := svc.Create(context.Background(), accountant, ExpenseRequest{
			ExpenseType: models.ExpenseTypeBus,
			Amount:      -10,
			SpentAt:     spent,
		})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrInvalidAmount.Code, appErrors.FromError(err).Code)
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		svc, _, _ := newExpenseFixture()

		_, err := svc.Create(context.Background(), accountant, ExpenseRequest{
			ExpenseType: "ENTERTAINMENT",
			Amount:      10,
			SpentAt:     spent,
		})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	})

	t.Run("forbidden for teachers", func(t *testing.T) {
		svc, _, _ := newExpenseFixture()

		_, err := svc.Create(context.Background(), models.Actor{SubjectID: "t", Role: models.RoleTeacher}, ExpenseRequest{
			ExpenseType: models.ExpenseTypeSalary,
			Amount:      10,
			SpentAt:     spent,
		})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	})
}

func TestExpenseUpdateAndDelete(t *testing.T) {
	spent := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	t.Run("update conflicts surface as such", func(t *testing.T) {
		svc, repo, _ := newExpenseFixture()
		repo.expenses["exp-1"] = &models.Expense{ID: "exp-1", ExpenseType: models.ExpenseTypeBus, Amount: 100, SpentAt: spent}
		repo.conflict = true

		_, err := svc.Update(context.Background(), accountant, "exp-1", ExpenseRequest{
			ExpenseType: models.ExpenseTypeBus,
			Amount:      120,
			SpentAt:     spent,
		})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrConcurrencyConflict.Code, appErrors.FromError(err).Code)
	})

	t.Run("delete missing expense", func(t *testing.T) {
		svc, _, _ := newExpenseFixture()

		err := svc.Delete(context.Background(), accountant, "exp-missing")
		require.Error(t, err)
		require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	})
}

func TestExpenseSummary(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	t.Run("totals across types", func(t *testing.T) {
		svc, repo, _ := newExpenseFixture()
		repo.sums = map[models.ExpenseType]float64{
			models.ExpenseTypeSalary: 5000,
			models.ExpenseTypeBus:    800,
		}

		summary, err := svc.Summary(context.Background(), accountant, from, to)
		require.NoError(t, err)
		require.Equal(t, 5800.0, summary.Total)
		require.Equal(t, 800.0, summary.ByType[models.ExpenseTypeBus])
	})

	t.Run("inverted period rejected", func(t *testing.T) {
		svc, _, _ := newExpenseFixture()

		_, err := svc.Summary(context.Background(), accountant, to, from)
		require.Error(t, err)
		require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	})
}
