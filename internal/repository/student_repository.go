package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/schoolworks/finance-api/internal/models"
)

// StudentRepository manages persistence for students.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID fetches a student with class context.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.StudentDetail, error) {
	const query = `SELECT s.id, s.user_id, s.nis, s.full_name, s.surname, s.class_id, s.parent_id,
            s.active, s.created_at, s.updated_at, c.name AS class_name
        FROM students s
        LEFT JOIN classes c ON c.id = s.class_id
        WHERE s.id = $1`
	var student models.StudentDetail
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindByNIS fetches a student by registration number.
func (r *StudentRepository) FindByNIS(ctx context.Context, nis string) (*models.Student, error) {
	const query = `SELECT id, user_id, nis, full_name, surname, class_id, parent_id, active, created_at, updated_at
        FROM students WHERE nis = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, nis); err != nil {
		return nil, err
	}
	return &student, nil
}

// ExistsByNIS reports whether a student with the registration number exists.
func (r *StudentRepository) ExistsByNIS(ctx context.Context, nis string) (bool, error) {
	var exists bool
	const query = "SELECT EXISTS (SELECT 1 FROM students WHERE nis = $1)"
	if err := r.db.GetContext(ctx, &exists, query, nis); err != nil {
		return false, fmt.Errorf("check nis: %w", err)
	}
	return exists, nil
}

// List returns students matching the filter plus the unpaginated total.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	argPos := 1

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(s.full_name ILIKE $%d OR s.nis ILIKE $%d)", argPos, argPos))
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("s.class_id = $%d", argPos))
		args = append(args, filter.ClassID)
		argPos++
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("s.active = $%d", argPos))
		args = append(args, *filter.Active)
		argPos++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM students s WHERE " + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}

	sortBy := "s.full_name"
	if filter.SortBy == "nis" {
		sortBy = "s.nis"
	}
	sortOrder := "ASC"
	if strings.EqualFold(filter.SortOrder, "desc") {
		sortOrder = "DESC"
	}

	query := fmt.Sprintf(`SELECT s.id, s.user_id, s.nis, s.full_name, s.surname, s.class_id, s.parent_id,
            s.active, s.created_at, s.updated_at, c.name AS class_name
        FROM students s
        LEFT JOIN classes c ON c.id = s.class_id
        WHERE %s
        ORDER BY %s %s
        LIMIT $%d OFFSET $%d`, where, sortBy, sortOrder, argPos, argPos+1)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	students := []models.StudentDetail{}
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}
	return students, total, nil
}

// Create inserts a new student record.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	student.CreatedAt = now
	student.UpdatedAt = now
	const query = `INSERT INTO students (id, user_id, nis, full_name, surname, class_id, parent_id, active, created_at, updated_at)
        VALUES (:id, :user_id, :nis, :full_name, :surname, :class_id, :parent_id, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of a student.
func (r *StudentRepository) Update(ctx context.Context, student *models.Student) error {
	student.UpdatedAt = time.Now().UTC()
	const query = `UPDATE students
        SET full_name = :full_name, surname = :surname, class_id = :class_id,
            parent_id = :parent_id, active = :active, updated_at = :updated_at
        WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, student)
	if err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// Deactivate soft-disables a student without touching ledger history.
func (r *StudentRepository) Deactivate(ctx context.Context, id string) error {
	const query = "UPDATE students SET active = FALSE, updated_at = $2 WHERE id = $1"
	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deactivate student: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoRowsAffected
	}
	return nil
}
