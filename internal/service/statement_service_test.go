package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolworks/finance-api/internal/models"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
	"github.com/schoolworks/finance-api/pkg/jobs"
	"github.com/schoolworks/finance-api/pkg/storage"
)

type fakeStatementRepo struct {
	jobs map[string]*models.StatementJob
	seq  int
}

func (f *fakeStatementRepo) Create(_ context.Context, job *models.StatementJob) error {
	f.seq++
	job.ID = fmt.Sprintf("job-%d", f.seq)
	if job.Status == "" {
		job.Status = models.StatementJobPending
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStatementRepo) FindByID(_ context.Context, id string) (*models.StatementJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *job
	return &copied, nil
}

func (f *fakeStatementRepo) MarkRunning(_ context.Context, id string) error {
	f.jobs[id].Status = models.StatementJobRunning
	return nil
}

func (f *fakeStatementRepo) MarkCompleted(_ context.Context, id, filePath string) error {
	f.jobs[id].Status = models.StatementJobCompleted
	f.jobs[id].FilePath = &filePath
	return nil
}

func (f *fakeStatementRepo) MarkFailed(_ context.Context, id, reason string) error {
	f.jobs[id].Status = models.StatementJobFailed
	f.jobs[id].Error = &reason
	return nil
}

func (f *fakeStatementRepo) ListStale(_ context.Context, before time.Time) ([]models.StatementJob, error) {
	var out []models.StatementJob
	for _, job := range f.jobs {
		if job.Status == models.StatementJobCompleted && job.UpdatedAt.Before(before) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeStatementRepo) Delete(_ context.Context, id string) error {
	delete(f.jobs, id)
	return nil
}

type fakeStatementFees struct {
	details map[string]*models.FeeDetail
	list    []models.FeeDetail
	byStu   map[string][]models.Fee
}

func (f *fakeStatementFees) FindDetailByID(_ context.Context, id string) (*models.FeeDetail, error) {
	detail, ok := f.details[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return detail, nil
}

func (f *fakeStatementFees) List(_ context.Context, filter models.FeeFilter) ([]models.FeeDetail, int, error) {
	if filter.Page > 1 {
		return nil, len(f.list), nil
	}
	return f.list, len(f.list), nil
}

func (f *fakeStatementFees) ListByStudent(_ context.Context, studentID string) ([]models.Fee, error) {
	return f.byStu[studentID], nil
}

type fakeStatementPayments struct {
	payments map[string]*models.Payment
	list     []models.PaymentDetail
}

func (f *fakeStatementPayments) FindByID(_ context.Context, id string) (*models.Payment, error) {
	payment, ok := f.payments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return payment, nil
}

func (f *fakeStatementPayments) List(_ context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error) {
	if filter.Page > 1 {
		return nil, len(f.list), nil
	}
	return f.list, len(f.list), nil
}

type fakeStatementStudents struct {
	students map[string]*models.StudentDetail
}

func (f *fakeStatementStudents) FindByID(_ context.Context, id string) (*models.StudentDetail, error) {
	student, ok := f.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return student, nil
}

func newStatementFixture(t *testing.T) (*StatementService, *fakeStatementRepo, *fakeStatementFees) {
	t.Helper()

	repo := &fakeStatementRepo{jobs: map[string]*models.StatementJob{}}
	due := time.Now().Add(24 * time.Hour)
	fees := &fakeStatementFees{
		details: map[string]*models.FeeDetail{
			"fee-1": {Fee: models.Fee{ID: "fee-1", Description: "Term 1 tuition", TotalAmount: 500, PaidAmount: 100}, StudentName: "Alice Tan", StudentNIS: "1001"},
		},
		list: []models.FeeDetail{
			{Fee: models.Fee{ID: "fee-1", Description: "Term 1 tuition", TotalAmount: 500, PaidAmount: 100, DueDate: due}, StudentName: "Alice Tan", StudentNIS: "1001"},
		},
		byStu: map[string][]models.Fee{
			"stu-1": {{ID: "fee-1", Description: "Term 1 tuition", TotalAmount: 500, PaidAmount: 100, DueDate: due}},
		},
	}
	payments := &fakeStatementPayments{
		payments: map[string]*models.Payment{
			"pay-1": {ID: "pay-1", FeeID: "fee-1", Amount: 100, Method: models.PaymentMethodCash, PaidAt: time.Now()},
		},
		list: []models.PaymentDetail{
			{Payment: models.Payment{ID: "pay-1", FeeID: "fee-1", Amount: 100, Method: models.PaymentMethodCash, PaidAt: time.Now()}, StudentName: "Alice Tan"},
		},
	}
	students := &fakeStatementStudents{students: map[string]*models.StudentDetail{
		"stu-1": {Student: models.Student{ID: "stu-1", NIS: "1001", FullName: "Alice Tan"}},
	}}

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)

	svc := NewStatementService(repo, fees, payments, students, store, signer, nil, nil, "Testing Academy")
	return svc, repo, fees
}

func startedQueue(t *testing.T, handler jobs.Handler) *jobs.Queue {
	t.Helper()
	if handler == nil {
		handler = func(context.Context, jobs.Job) error { return nil }
	}
	queue := jobs.NewQueue("statements-test", handler, jobs.QueueConfig{Workers: 1})
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)
	return queue
}

func TestStatementEnqueue(t *testing.T) {
	t.Run("forbidden for students", func(t *testing.T) {
		svc, _, _ := newStatementFixture(t)
		svc.SetQueue(startedQueue(t, nil))

		_, err := svc.Enqueue(context.Background(), models.Actor{SubjectID: "s", Role: models.RoleStudent}, models.StatementKindFeesCSV, models.StatementParams{})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	})

	t.Run("unknown kind", func(t *testing.T) {
		svc, _, _ := newStatementFixture(t)
		svc.SetQueue(startedQueue(t, nil))

		_, err := svc.Enqueue(context.Background(), accountant, "WORD_DOC", models.StatementParams{})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	})

	t.Run("student statements need a student", func(t *testing.T) {
		svc, _, _ := newStatementFixture(t)
		svc.SetQueue(startedQueue(t, nil))

		_, err := svc.Enqueue(context.Background(), accountant, models.StatementKindStudentPDF, models.StatementParams{})
		require.Error(t, err)

		_, err = svc.Enqueue(context.Background(), accountant, models.StatementKindStudentPDF, models.StatementParams{StudentID: "stu-missing"})
		require.Error(t, err)
		require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	})

	t.Run("persists a pending job", func(t *testing.T) {
		svc, repo, _ := newStatementFixture(t)
		svc.SetQueue(startedQueue(t, nil))

		job, err := svc.Enqueue(context.Background(), accountant, models.StatementKindStudentPDF, models.StatementParams{StudentID: "stu-1"})
		require.NoError(t, err)
		require.NotEmpty(t, job.ID)
		require.Equal(t, models.StatementJobPending, job.Status)
		require.Contains(t, repo.jobs, job.ID)
	})
}

func TestStatementProcess(t *testing.T) {
	seedJob := func(repo *fakeStatementRepo, kind models.StatementKind, params models.StatementParams) *models.StatementJob {
		raw, _ := json.Marshal(params)
		job := &models.StatementJob{Kind: kind, Status: models.StatementJobPending, Params: raw}
		_ = repo.Create(context.Background(), job)
		return job
	}

	t.Run("renders a student statement pdf", func(t *testing.T) {
		svc, repo, _ := newStatementFixture(t)
		job := seedJob(repo, models.StatementKindStudentPDF, models.StatementParams{StudentID: "stu-1"})

		require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))
		require.Equal(t, models.StatementJobCompleted, repo.jobs[job.ID].Status)
		require.NotNil(t, repo.jobs[job.ID].FilePath)
	})

	t.Run("renders the fees csv", func(t *testing.T) {
		svc, repo, _ := newStatementFixture(t)
		job := seedJob(repo, models.StatementKindFeesCSV, models.StatementParams{})

		require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))
		require.Equal(t, models.StatementJobCompleted, repo.jobs[job.ID].Status)

		file, err := svc.Download(mustToken(t, svc, repo.jobs[job.ID]))
		require.NoError(t, err)
		defer file.Close()
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Contains(t, string(content), "Alice Tan")
		require.Contains(t, string(content), "Term 1 tuition")
	})

	t.Run("completed jobs are idempotent", func(t *testing.T) {
		svc, repo, _ := newStatementFixture(t)
		job := seedJob(repo, models.StatementKindFeesCSV, models.StatementParams{})

		require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))
		first := *repo.jobs[job.ID].FilePath
		require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))
		require.Equal(t, first, *repo.jobs[job.ID].FilePath)
	})

	t.Run("corrupt params fail the job without retry", func(t *testing.T) {
		svc, repo, _ := newStatementFixture(t)
		job := &models.StatementJob{Kind: models.StatementKindStudentPDF, Status: models.StatementJobPending, Params: []byte("{broken")}
		_ = repo.Create(context.Background(), job)

		require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))
		require.Equal(t, models.StatementJobFailed, repo.jobs[job.ID].Status)
	})
}

func mustToken(t *testing.T, svc *StatementService, job *models.StatementJob) string {
	t.Helper()
	requester := accountant
	if job.RequestedBy != nil {
		requester = models.Actor{SubjectID: *job.RequestedBy, Role: models.RoleAccountant}
	}
	_, token, err := svc.Get(context.Background(), requester, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return token
}

func TestStatementGetVisibility(t *testing.T) {
	svc, repo, _ := newStatementFixture(t)
	requestedBy := "acc-1"
	path := "exports/fees-job-1.csv"
	repo.jobs["job-9"] = &models.StatementJob{ID: "job-9", Kind: models.StatementKindFeesCSV, Status: models.StatementJobCompleted, FilePath: &path, RequestedBy: &requestedBy}

	t.Run("managers always see jobs", func(t *testing.T) {
		job, token, err := svc.Get(context.Background(), models.Actor{SubjectID: "other-admin", Role: models.RoleAdmin}, "job-9")
		require.NoError(t, err)
		require.Equal(t, models.StatementJobCompleted, job.Status)
		require.NotEmpty(t, token)
	})

	t.Run("other callers get not found", func(t *testing.T) {
		_, _, err := svc.Get(context.Background(), models.Actor{SubjectID: "someone", Role: models.RoleTeacher}, "job-9")
		require.Error(t, err)
		require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	})
}

func TestStatementReceipt(t *testing.T) {
	svc, _, _ := newStatementFixture(t)

	data, err := svc.Receipt(context.Background(), accountant, "pay-1")
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.Equal(t, "%PDF", string(data[:4]))

	_, err = svc.Receipt(context.Background(), models.Actor{SubjectID: "s", Role: models.RoleStudent}, "pay-1")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.Receipt(context.Background(), accountant, "pay-missing")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestStatementCleanup(t *testing.T) {
	svc, repo, _ := newStatementFixture(t)
	path := "exports/fees-old.csv"
	repo.jobs["job-old"] = &models.StatementJob{
		ID:        "job-old",
		Kind:      models.StatementKindFeesCSV,
		Status:    models.StatementJobCompleted,
		FilePath:  &path,
		UpdatedAt: time.Now().Add(-48 * time.Hour),
	}

	require.NoError(t, svc.Cleanup(context.Background(), 24*time.Hour))
	require.NotContains(t, repo.jobs, "job-old")
}
