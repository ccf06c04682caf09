package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/schoolworks/finance-api/internal/models"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
	"github.com/schoolworks/finance-api/pkg/export"
	"github.com/schoolworks/finance-api/pkg/jobs"
	"github.com/schoolworks/finance-api/pkg/storage"
)

type statementJobRepo interface {
	Create(ctx context.Context, job *models.StatementJob) error
	FindByID(ctx context.Context, id string) (*models.StatementJob, error)
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, filePath string) error
	MarkFailed(ctx context.Context, id, reason string) error
	ListStale(ctx context.Context, before time.Time) ([]models.StatementJob, error)
	Delete(ctx context.Context, id string) error
}

type statementFeeReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.FeeDetail, error)
	List(ctx context.Context, filter models.FeeFilter) ([]models.FeeDetail, int, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Fee, error)
}

type statementPaymentReader interface {
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	List(ctx context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error)
}

type statementStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
}

const exportPageSize = 500

// StatementService generates financial documents. Jobs run on the
// in-memory worker queue; finished files land in local storage and are
// downloaded through signed, expiring tokens.
type StatementService struct {
	repo       statementJobRepo
	fees       statementFeeReader
	payments   statementPaymentReader
	students   statementStudentReader
	storage    *storage.LocalStorage
	signer     *storage.SignedURLSigner
	queue      *jobs.Queue
	csv        *export.CSVExporter
	pdf        *export.PDFExporter
	metrics    *MetricsService
	logger     *zap.Logger
	schoolName string
	now        func() time.Time
}

// NewStatementService constructs a StatementService. Attach the queue
// with SetQueue after construction; the queue handler needs the service.
func NewStatementService(repo statementJobRepo, fees statementFeeReader, payments statementPaymentReader, students statementStudentReader, store *storage.LocalStorage, signer *storage.SignedURLSigner, metrics *MetricsService, logger *zap.Logger, schoolName string) *StatementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schoolName == "" {
		schoolName = "School Finance Office"
	}
	return &StatementService{
		repo:       repo,
		fees:       fees,
		payments:   payments,
		students:   students,
		storage:    store,
		signer:     signer,
		csv:        export.NewCSVExporter(),
		pdf:        export.NewPDFExporter(),
		metrics:    metrics,
		logger:     logger,
		schoolName: schoolName,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetQueue attaches the worker queue used for asynchronous generation.
func (s *StatementService) SetQueue(queue *jobs.Queue) {
	s.queue = queue
}

// Enqueue validates the request, persists a pending job and schedules it.
func (s *StatementService) Enqueue(ctx context.Context, actor models.Actor, kind models.StatementKind, params models.StatementParams) (*models.StatementJob, error) {
	if !actor.Role.CanManageLedger() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may request exports")
	}

	switch kind {
	case models.StatementKindStudentPDF:
		if params.StudentID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "student_id is required for student statements")
		}
		if _, err := s.students.FindByID(ctx, params.StudentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
		}
	case models.StatementKindFeesCSV, models.StatementKindPaymentsCSV:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown statement kind")
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode parameters")
	}

	job := &models.StatementJob{
		Kind:        kind,
		Status:      models.StatementJobPending,
		Params:      rawParams,
		RequestedBy: &actor.SubjectID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create statement job")
	}

	if s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "statement queue unavailable")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(kind)}); err != nil {
		_ = s.repo.MarkFailed(ctx, job.ID, "failed to schedule job")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to schedule statement job")
	}

	return job, nil
}

// Process is the queue handler. It loads the job, renders the document
// and records the outcome on the job row.
func (s *StatementService) Process(ctx context.Context, queued jobs.Job) error {
	job, err := s.repo.FindByID(ctx, queued.ID)
	if err != nil {
		return fmt.Errorf("load statement job %s: %w", queued.ID, err)
	}
	if job.Status == models.StatementJobCompleted {
		return nil
	}

	if err := s.repo.MarkRunning(ctx, job.ID); err != nil {
		s.logger.Warn("failed to mark statement job running", zap.String("job_id", job.ID), zap.Error(err))
	}

	start := s.now()
	var params models.StatementParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		_ = s.repo.MarkFailed(ctx, job.ID, "corrupt job parameters")
		return nil
	}

	var (
		data     []byte
		filename string
	)
	switch job.Kind {
	case models.StatementKindStudentPDF:
		data, err = s.renderStudentStatement(ctx, params.StudentID)
		filename = fmt.Sprintf("statements/%s.pdf", job.ID)
	case models.StatementKindFeesCSV:
		data, err = s.renderFeesCSV(ctx)
		filename = fmt.Sprintf("exports/fees-%s.csv", job.ID)
	case models.StatementKindPaymentsCSV:
		data, err = s.renderPaymentsCSV(ctx)
		filename = fmt.Sprintf("exports/payments-%s.csv", job.ID)
	default:
		_ = s.repo.MarkFailed(ctx, job.ID, "unknown statement kind")
		return nil
	}
	if err != nil {
		_ = s.repo.MarkFailed(ctx, job.ID, err.Error())
		return fmt.Errorf("render statement %s: %w", job.ID, err)
	}

	stored, err := s.storage.Save(filename, data)
	if err != nil {
		_ = s.repo.MarkFailed(ctx, job.ID, "failed to store file")
		return fmt.Errorf("store statement %s: %w", job.ID, err)
	}

	if err := s.repo.MarkCompleted(ctx, job.ID, stored); err != nil {
		return fmt.Errorf("complete statement job %s: %w", job.ID, err)
	}

	if s.metrics != nil {
		s.metrics.ObserveStatementJob(string(job.Kind), time.Since(start))
	}
	s.logger.Info("statement job completed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Get returns a job's state plus a signed download token when finished.
func (s *StatementService) Get(ctx context.Context, actor models.Actor, jobID string) (*models.StatementJob, string, error) {
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "statement job not found")
		}
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load statement job")
	}

	if !actor.Role.CanManageLedger() && (job.RequestedBy == nil || *job.RequestedBy != actor.SubjectID) {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "statement job not found")
	}

	var token string
	if job.Status == models.StatementJobCompleted && job.FilePath != nil {
		token, _, err = s.signer.Generate(job.ID, *job.FilePath)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download token")
		}
	}
	return job, token, nil
}

// Download resolves a signed token to the stored file.
func (s *StatementService) Download(token string) (*os.File, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid download token")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "statement file not found")
	}
	return file, nil
}

// Receipt renders a payment receipt synchronously.
func (s *StatementService) Receipt(ctx context.Context, actor models.Actor, paymentID string) ([]byte, error) {
	if !actor.Role.CanManageLedger() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins and accountants may print receipts")
	}

	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}

	fee, err := s.fees.FindDetailByID(ctx, payment.FeeID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load fee")
	}

	className := ""
	if fee.ClassName != nil {
		className = *fee.ClassName
	}
	transactionID := ""
	if payment.TransactionID != nil {
		transactionID = *payment.TransactionID
	}

	data, err := s.pdf.RenderReceipt(export.ReceiptData{
		SchoolName:    s.schoolName,
		ReceiptNo:     payment.ID,
		StudentName:   fee.StudentName,
		ClassName:     className,
		FeeLabel:      fee.Description,
		Amount:        formatAmount(payment.Amount),
		Method:        string(payment.Method),
		TransactionID: transactionID,
		PaidAt:        payment.PaidAt.Format("2006-01-02 15:04"),
		Balance:       formatAmount(fee.Fee.Outstanding()),
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render receipt")
	}
	return data, nil
}

// Cleanup removes stored files and rows of completed jobs older than ttl.
func (s *StatementService) Cleanup(ctx context.Context, ttl time.Duration) error {
	stale, err := s.repo.ListStale(ctx, s.now().Add(-ttl))
	if err != nil {
		return err
	}
	for _, job := range stale {
		if job.FilePath != nil {
			if err := s.storage.Delete(*job.FilePath); err != nil {
				s.logger.Warn("failed to delete stale statement file", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
		}
		if err := s.repo.Delete(ctx, job.ID); err != nil {
			s.logger.Warn("failed to delete stale statement job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		s.logger.Info("statement cleanup finished", zap.Int("removed", len(stale)))
	}
	return nil
}

func (s *StatementService) renderStudentStatement(ctx context.Context, studentID string) ([]byte, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load student: %w", err)
	}
	fees, err := s.fees.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load fees: %w", err)
	}

	now := s.now()
	dataset := export.Dataset{
		Headers: []string{"Description", "Total", "Paid", "Outstanding", "Due Date", "Status"},
	}
	var totalBilled, totalPaid float64
	for _, fee := range fees {
		totalBilled += fee.TotalAmount
		totalPaid += fee.PaidAmount
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Description": fee.Description,
			"Total":       formatAmount(fee.TotalAmount),
			"Paid":        formatAmount(fee.PaidAmount),
			"Outstanding": formatAmount(fee.Outstanding()),
			"Due Date":    fee.DueDate.Format("2006-01-02"),
			"Status":      string(fee.Status(now)),
		})
	}
	dataset.Rows = append(dataset.Rows, map[string]string{
		"Description": "TOTAL",
		"Total":       formatAmount(totalBilled),
		"Paid":        formatAmount(totalPaid),
		"Outstanding": formatAmount(totalBilled - totalPaid),
	})

	title := fmt.Sprintf("Statement - %s (%s)", student.FullName, student.NIS)
	return s.pdf.Render(dataset, title)
}

func (s *StatementService) renderFeesCSV(ctx context.Context) ([]byte, error) {
	dataset := export.Dataset{
		Headers: []string{"Student", "NIS", "Class", "Description", "Total", "Paid", "Outstanding", "Due Date", "Status"},
	}
	now := s.now()
	for page := 1; ; page++ {
		fees, _, err := s.fees.List(ctx, models.FeeFilter{Page: page, PageSize: exportPageSize})
		if err != nil {
			return nil, fmt.Errorf("load fees page %d: %w", page, err)
		}
		for _, fee := range fees {
			className := ""
			if fee.ClassName != nil {
				className = *fee.ClassName
			}
			dataset.Rows = append(dataset.Rows, map[string]string{
				"Student":     fee.StudentName,
				"NIS":         fee.StudentNIS,
				"Class":       className,
				"Description": fee.Description,
				"Total":       formatAmount(fee.TotalAmount),
				"Paid":        formatAmount(fee.PaidAmount),
				"Outstanding": formatAmount(fee.Fee.Outstanding()),
				"Due Date":    fee.DueDate.Format("2006-01-02"),
				"Status":      string(fee.Status(now)),
			})
		}
		if len(fees) < exportPageSize {
			break
		}
	}
	return s.csv.Render(dataset)
}

func (s *StatementService) renderPaymentsCSV(ctx context.Context) ([]byte, error) {
	dataset := export.Dataset{
		Headers: []string{"Student", "Class", "Fee ID", "Amount", "Method", "Transaction ID", "Paid At"},
	}
	for page := 1; ; page++ {
		payments, _, err := s.payments.List(ctx, models.PaymentFilter{Page: page, PageSize: exportPageSize})
		if err != nil {
			return nil, fmt.Errorf("load payments page %d: %w", page, err)
		}
		for _, payment := range payments {
			className := ""
			if payment.ClassName != nil {
				className = *payment.ClassName
			}
			transactionID := ""
			if payment.TransactionID != nil {
				transactionID = *payment.TransactionID
			}
			dataset.Rows = append(dataset.Rows, map[string]string{
				"Student":        payment.StudentName,
				"Class":          className,
				"Fee ID":         payment.FeeID,
				"Amount":         formatAmount(payment.Amount),
				"Method":         string(payment.Method),
				"Transaction ID": transactionID,
				"Paid At":        payment.PaidAt.Format("2006-01-02 15:04"),
			})
		}
		if len(payments) < exportPageSize {
			break
		}
	}
	return s.csv.Render(dataset)
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
