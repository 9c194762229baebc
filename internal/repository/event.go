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

// EventRepository handles persistence for events.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, title, description, organizer_id, status, claim_expiry,
	name_x, name_y, code_x, code_y, name_font_size, template_path, created_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var (
		e            model.Event
		expiry       *time.Time
		nameX        *float64
		nameY        *float64
		codeX        *float64
		codeY        *float64
		fontSize     *float64
		templatePath *string
	)
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.OrganizerID, &e.Status,
		&expiry, &nameX, &nameY, &codeX, &codeY, &fontSize, &templatePath, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ClaimExpiry = expiry
	if templatePath != nil {
		e.CertificateConfig = &model.CertificateConfig{
			NameX:        deref(nameX),
			NameY:        deref(nameY),
			CodeX:        deref(codeX),
			CodeY:        deref(codeY),
			NameFontSize: deref(fontSize),
			TemplatePath: *templatePath,
		}
	}
	return &e, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// Create inserts a new active event owned by the given organizer.
func (r *EventRepository) Create(ctx context.Context, organizerID string, req model.CreateEventRequest) (*model.Event, error) {
	event := &model.Event{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		OrganizerID: organizerID,
		Status:      model.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO events (id, title, description, organizer_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Title, event.Description, event.OrganizerID, event.Status, event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

// List returns all events ordered by creation time descending.
func (r *EventRepository) List(ctx context.Context) ([]model.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// GetByID returns a single event or ErrNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// End performs the one-way active→ended transition, atomically setting the
// claim expiry and certificate layout. The WHERE status = 'active' guard
// makes the transition race-safe: of two concurrent end attempts, exactly one
// updates the row and the other gets ErrAlreadyEnded. The window is never
// reset once open.
func (r *EventRepository) End(ctx context.Context, id string, cfg model.CertificateConfig, expiry time.Time) (*model.Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`UPDATE events
		 SET status = $2, claim_expiry = $3,
		     name_x = $4, name_y = $5, code_x = $6, code_y = $7,
		     name_font_size = $8, template_path = $9
		 WHERE id = $1 AND status = $10
		 RETURNING `+eventColumns,
		id, model.StatusEnded, expiry,
		cfg.NameX, cfg.NameY, cfg.CodeX, cfg.CodeY,
		cfg.NameFontSize, cfg.TemplatePath,
		model.StatusActive,
	))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("end event: %w", err)
	}

	// No row matched: either the event does not exist or it is already ended.
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrAlreadyEnded
}
