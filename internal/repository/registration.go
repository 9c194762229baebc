package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eventcert/certclaim/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RegistrationRepository handles persistence for event registrations.
type RegistrationRepository struct {
	db *pgxpool.Pool
}

// NewRegistrationRepository constructs a RegistrationRepository.
func NewRegistrationRepository(db *pgxpool.Pool) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// Register records a student's registration. Duplicate protection is the
// unique index on (event_id, student_id): the insert is unconditional and a
// conflict means the student was already registered. No read happens first,
// so concurrent duplicate registrations cannot both succeed.
func (r *RegistrationRepository) Register(ctx context.Context, eventID, studentID, studentName, email string) (*model.Registration, error) {
	reg := &model.Registration{
		ID:          uuid.New().String(),
		EventID:     eventID,
		StudentID:   studentID,
		StudentName: studentName,
		Email:       email,
		CreatedAt:   time.Now().UTC(),
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO registrations (id, event_id, student_id, student_name, email, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (event_id, student_id) DO NOTHING`,
		reg.ID, reg.EventID, reg.StudentID, reg.StudentName, reg.Email, reg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAlreadyRegistered
	}
	return reg, nil
}

// Get returns the registration for (eventID, studentID) or ErrNotFound.
func (r *RegistrationRepository) Get(ctx context.Context, eventID, studentID string) (*model.Registration, error) {
	var reg model.Registration
	err := r.db.QueryRow(ctx,
		`SELECT id, event_id, student_id, student_name, email, created_at
		 FROM registrations
		 WHERE event_id = $1 AND student_id = $2`,
		eventID, studentID,
	).Scan(&reg.ID, &reg.EventID, &reg.StudentID, &reg.StudentName, &reg.Email, &reg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return &reg, nil
}

// ListByEvent returns all registrations for a given event.
func (r *RegistrationRepository) ListByEvent(ctx context.Context, eventID string) ([]model.Registration, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, event_id, student_id, student_name, email, created_at
		 FROM registrations
		 WHERE event_id = $1
		 ORDER BY created_at ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.Registration
	for rows.Next() {
		var reg model.Registration
		if err := rows.Scan(&reg.ID, &reg.EventID, &reg.StudentID, &reg.StudentName, &reg.Email, &reg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// CountByEvent returns the number of registered students for an event.
func (r *RegistrationRepository) CountByEvent(ctx context.Context, eventID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM registrations WHERE event_id = $1`, eventID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return n, nil
}
