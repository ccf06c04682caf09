package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/schoolworks/finance-api/internal/models"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
)

type importUserRepo interface {
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error
}

type importStudentRepo interface {
	ExistsByNIS(ctx context.Context, nis string) (bool, error)
	Create(ctx context.Context, student *models.Student) error
}

type importClassReader interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// ImportService performs bulk student onboarding from CSV. Each row is
// a two-phase write: first the directory account, then the student
// record. When the second phase fails the account is deleted again, and
// the row's failure carries the stage it died in, so callers never have
// to parse error text to learn what happened.
type ImportService struct {
	users    importUserRepo
	students importStudentRepo
	classes  importClassReader
	audit    auditWriter
	logger   *zap.Logger
	maxRows  int
}

// NewImportService constructs an ImportService.
func NewImportService(users importUserRepo, students importStudentRepo, classes importClassReader, audit auditWriter, logger *zap.Logger, maxRows int) *ImportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRows <= 0 {
		maxRows = 1000
	}
	return &ImportService{users: users, students: students, classes: classes, audit: audit, logger: logger, maxRows: maxRows}
}

var importHeader = []string{"nis", "full_name", "surname", "email", "password", "class_id", "parent_id"}

// ParseCSV reads and validates the raw CSV structure, returning parsed
// rows. Line numbers are 1-based and include the header.
func (s *ImportService) ParseCSV(r io.Reader) ([]models.ImportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(importHeader)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "missing CSV header")
	}
	for i, name := range importHeader {
		if strings.ToLower(strings.TrimSpace(header[i])) != name {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unexpected CSV column %q, want %q", header[i], name))
		}
	}

	rows := []models.ImportRow{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("malformed CSV at line %d", line))
		}
		if len(rows) >= s.maxRows {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("import exceeds %d rows", s.maxRows))
		}
		rows = append(rows, models.ImportRow{
			Line:     line,
			NIS:      strings.TrimSpace(record[0]),
			FullName: strings.TrimSpace(record[1]),
			Surname:  strings.TrimSpace(record[2]),
			Email:    strings.TrimSpace(record[3]),
			Password: record[4],
			ClassID:  strings.TrimSpace(record[5]),
			ParentID: strings.TrimSpace(record[6]),
		})
	}
	return rows, nil
}

// Import runs the two-phase onboarding for every parsed row. Rows fail
// independently; one bad row never aborts the batch.
func (s *ImportService) Import(ctx context.Context, actor models.Actor, rows []models.ImportRow) (*models.ImportResult, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins may import students")
	}

	result := &models.ImportResult{Total: len(rows)}
	seenNIS := map[string]int{}

	for _, row := range rows {
		if failure := s.validateRow(ctx, row, seenNIS); failure != nil {
			result.Failures = append(result.Failures, *failure)
			continue
		}
		seenNIS[row.NIS] = row.Line

		if failure := s.importRow(ctx, row); failure != nil {
			result.Failures = append(result.Failures, *failure)
			continue
		}
		result.Succeeded++
	}
	result.Failed = len(result.Failures)

	if s.audit != nil {
		summary, _ := json.Marshal(map[string]int{"total": result.Total, "succeeded": result.Succeeded, "failed": result.Failed})
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:    &actor.SubjectID,
			Action:    models.AuditActionStudentImport,
			Resource:  "student",
			NewValues: summary,
		}); err != nil {
			s.logger.Warn("failed to record import audit log", zap.Error(err))
		}
	}

	return result, nil
}

func (s *ImportService) validateRow(ctx context.Context, row models.ImportRow, seenNIS map[string]int) *models.ImportFailure {
	fail := func(reason string) *models.ImportFailure {
		return &models.ImportFailure{Line: row.Line, NIS: row.NIS, Stage: models.ImportStageValidate, Reason: reason}
	}

	switch {
	case row.NIS == "":
		return fail("registration number is required")
	case row.FullName == "":
		return fail("full name is required")
	case row.Email == "":
		return fail("email is required")
	case len(row.Password) < 8:
		return fail("password must be at least 8 characters")
	}
	if prev, dup := seenNIS[row.NIS]; dup {
		return fail(fmt.Sprintf("duplicate registration number, first seen at line %d", prev))
	}

	exists, err := s.students.ExistsByNIS(ctx, row.NIS)
	if err != nil {
		return fail("failed to check registration number")
	}
	if exists {
		return fail("registration number already in use")
	}

	taken, err := s.users.ExistsByEmail(ctx, row.Email)
	if err != nil {
		return fail("failed to check email")
	}
	if taken {
		return fail("email already in use")
	}

	if row.ClassID != "" {
		known, err := s.classes.Exists(ctx, row.ClassID)
		if err != nil {
			return fail("failed to check class")
		}
		if !known {
			return fail("unknown class")
		}
	}
	return nil
}

// importRow performs the directory write, then the student write, and
// compensates the first when the second fails.
func (s *ImportService) importRow(ctx context.Context, row models.ImportRow) *models.ImportFailure {
	hash, err := bcrypt.GenerateFromPassword([]byte(row.Password), bcrypt.DefaultCost)
	if err != nil {
		return &models.ImportFailure{Line: row.Line, NIS: row.NIS, Stage: models.ImportStageDirectory, Reason: "failed to hash password"}
	}

	user := &models.User{
		Email:        row.Email,
		PasswordHash: string(hash),
		FullName:     row.FullName,
		Role:         models.RoleStudent,
		Active:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		s.logger.Warn("import directory phase failed", zap.Int("line", row.Line), zap.Error(err))
		return &models.ImportFailure{Line: row.Line, NIS: row.NIS, Stage: models.ImportStageDirectory, Reason: "failed to create account"}
	}

	student := &models.Student{
		UserID:   &user.ID,
		NIS:      row.NIS,
		FullName: row.FullName,
		Surname:  row.Surname,
		Active:   true,
	}
	if row.ClassID != "" {
		student.ClassID = &row.ClassID
	}
	if row.ParentID != "" {
		student.ParentID = &row.ParentID
	}

	if err := s.students.Create(ctx, student); err != nil {
		s.logger.Warn("import student phase failed", zap.Int("line", row.Line), zap.Error(err))
		if compErr := s.users.Delete(ctx, user.ID); compErr != nil {
			s.logger.Error("import compensation failed, orphan account left behind",
				zap.Int("line", row.Line), zap.String("user_id", user.ID), zap.Error(compErr))
			return &models.ImportFailure{
				Line:   row.Line,
				NIS:    row.NIS,
				Stage:  models.ImportStageCompensate,
				Reason: "student creation failed and the account could not be removed",
			}
		}
		return &models.ImportFailure{Line: row.Line, NIS: row.NIS, Stage: models.ImportStageStudent, Reason: "failed to create student"}
	}

	return nil
}
