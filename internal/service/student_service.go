package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/repository"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
)

type studentRepo interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
	FindByNIS(ctx context.Context, nis string) (*models.Student, error)
	List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error)
	Create(ctx context.Context, student *models.Student) error
	Update(ctx context.Context, student *models.Student) error
	Deactivate(ctx context.Context, id string) error
}

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
	List(ctx context.Context) ([]models.Class, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// CreateStudentRequest registers a student without a linked account.
type CreateStudentRequest struct {
	NIS      string  `json:"nis" validate:"required"`
	FullName string  `json:"full_name" validate:"required"`
	Surname  string  `json:"surname"`
	ClassID  *string `json:"class_id"`
	ParentID *string `json:"parent_id"`
}

// UpdateStudentRequest edits a student's mutable fields.
type UpdateStudentRequest struct {
	FullName string  `json:"full_name" validate:"required"`
	Surname  string  `json:"surname"`
	ClassID  *string `json:"class_id"`
	ParentID *string `json:"parent_id"`
	Active   *bool   `json:"active"`
}

// StudentService manages the student directory.
type StudentService struct {
	students  studentRepo
	classes   classReader
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs a StudentService.
func NewStudentService(students studentRepo, classes classReader, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{students: students, classes: classes, validator: validate, logger: logger}
}

// Get returns a student with class context.
func (s *StudentService) Get(ctx context.Context, id string) (*models.StudentDetail, error) {
	student, err := s.students.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// List returns students matching the filter.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	students, total, err := s.students.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	return students, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Create registers a new student.
func (s *StudentService) Create(ctx context.Context, actor models.Actor, req CreateStudentRequest) (*models.Student, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins may register students")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	if _, err := s.students.FindByNIS(ctx, req.NIS); err == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "registration number already in use")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check registration number")
	}

	if req.ClassID != nil {
		exists, err := s.classes.Exists(ctx, *req.ClassID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check class")
		}
		if !exists {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
	}

	student := &models.Student{
		NIS:      req.NIS,
		FullName: req.FullName,
		Surname:  req.Surname,
		ClassID:  req.ClassID,
		ParentID: req.ParentID,
		Active:   true,
	}
	if err := s.students.Create(ctx, student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student")
	}
	return student, nil
}

// Update edits a student's directory fields.
func (s *StudentService) Update(ctx context.Context, actor models.Actor, id string, req UpdateStudentRequest) (*models.Student, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins may edit students")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	detail, err := s.students.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	student := detail.Student
	student.FullName = req.FullName
	student.Surname = req.Surname
	student.ClassID = req.ClassID
	student.ParentID = req.ParentID
	if req.Active != nil {
		student.Active = *req.Active
	}

	if err := s.students.Update(ctx, &student); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "student was modified concurrently")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student")
	}
	return &student, nil
}

// Deactivate disables a student while keeping ledger history intact.
func (s *StudentService) Deactivate(ctx context.Context, actor models.Actor, id string) error {
	if actor.Role != models.RoleAdmin {
		return appErrors.Clone(appErrors.ErrForbidden, "only admins may deactivate students")
	}
	if err := s.students.Deactivate(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate student")
	}
	return nil
}

// ListClasses returns all classes.
func (s *StudentService) ListClasses(ctx context.Context) ([]models.Class, error) {
	classes, err := s.classes.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list classes")
	}
	return classes, nil
}
