// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the repository layer. It owns the claim protocol:
// eligibility checks, the atomic ledger race, code allocation, and
// certificate composition.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eventcert/certclaim/internal/certimage"
	"github.com/eventcert/certclaim/internal/model"
	"github.com/eventcert/certclaim/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotEnded is returned when a claim arrives before the event has ended.
var ErrNotEnded = errors.New("event has not ended yet")

// ErrWindowExpired is returned when a claim arrives after the claim window
// closed.
var ErrWindowExpired = errors.New("claim window has expired")

// ErrNotRegistered is returned when the claiming student never registered for
// the event.
var ErrNotRegistered = errors.New("student is not registered for this event")

// ErrForbidden is returned when the caller does not own the event.
var ErrForbidden = errors.New("caller does not own this event")

// ErrClaimPending is returned to a losing claimer whose winner has not
// finished composing within the wait budget. The claim call is idempotent,
// so the caller simply retries after a short delay.
var ErrClaimPending = errors.New("certificate is being generated, retry shortly")

// EventStore is the persistence contract for events.
type EventStore interface {
	Create(ctx context.Context, organizerID string, req model.CreateEventRequest) (*model.Event, error)
	List(ctx context.Context) ([]model.Event, error)
	GetByID(ctx context.Context, id string) (*model.Event, error)
	End(ctx context.Context, id string, cfg model.CertificateConfig, expiry time.Time) (*model.Event, error)
}

// RegistrationStore is the persistence contract for registrations.
type RegistrationStore interface {
	Register(ctx context.Context, eventID, studentID, studentName, email string) (*model.Registration, error)
	Get(ctx context.Context, eventID, studentID string) (*model.Registration, error)
	ListByEvent(ctx context.Context, eventID string) ([]model.Registration, error)
	CountByEvent(ctx context.Context, eventID string) (int, error)
}

// CertificateStore is the claim ledger contract. Reserve must be a genuine
// atomic insert-or-detect: exactly one of N concurrent callers for the same
// (event, student) pair wins.
type CertificateStore interface {
	Reserve(ctx context.Context, eventID, studentID string) (id string, won bool, err error)
	Finalize(ctx context.Context, id, certCode, templateURL, certURL string) error
	Release(ctx context.Context, id string) error
	Get(ctx context.Context, eventID, studentID string) (*model.Certificate, error)
	ListByEvent(ctx context.Context, eventID string) ([]model.Certificate, error)
	CountByEvent(ctx context.Context, eventID string) (int, error)
}

// SequenceStore allocates strictly increasing counter values, exactly one
// per call.
type SequenceStore interface {
	Next(ctx context.Context, name string) (int64, error)
}

// AssetStore persists template and certificate images and resolves their
// public URLs.
type AssetStore interface {
	ReadTemplate(path string) ([]byte, error)
	SaveCertificate(eventID, studentID string, png []byte) (url string, err error)
	TemplateURL(path string) string
}

// Composer renders a certificate image from template bytes.
type Composer interface {
	Compose(template []byte, displayName, code string, layout certimage.Layout) ([]byte, error)
}

// Options tune claim behavior. Zero values fall back to defaults.
type Options struct {
	// ClaimWindow is how long claims are accepted after an event ends.
	ClaimWindow time.Duration
	// PendingWait is how long a losing claimer waits for the winner's
	// certificate before giving up with ErrClaimPending.
	PendingWait time.Duration
	// PollInterval is the pending-certificate poll cadence.
	PollInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

const (
	defaultClaimWindow  = 10 * time.Minute
	defaultPendingWait  = 2 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// Service orchestrates the certificate platform's business operations.
type Service struct {
	events        EventStore
	registrations RegistrationStore
	certificates  CertificateStore
	sequences     SequenceStore
	assets        AssetStore
	composer      Composer
	log           *zap.Logger

	window       time.Duration
	pendingWait  time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// New constructs a Service with its dependencies.
func New(
	events EventStore,
	registrations RegistrationStore,
	certificates CertificateStore,
	sequences SequenceStore,
	assets AssetStore,
	composer Composer,
	log *zap.Logger,
	opts Options,
) *Service {
	if opts.ClaimWindow <= 0 {
		opts.ClaimWindow = defaultClaimWindow
	}
	if opts.PendingWait <= 0 {
		opts.PendingWait = defaultPendingWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		events:        events,
		registrations: registrations,
		certificates:  certificates,
		sequences:     sequences,
		assets:        assets,
		composer:      composer,
		log:           log,
		window:        opts.ClaimWindow,
		pendingWait:   opts.PendingWait,
		pollInterval:  opts.PollInterval,
		now:           opts.Now,
	}
}

// CreateEvent validates the request and delegates to the store.
func (s *Service) CreateEvent(ctx context.Context, organizerID string, req model.CreateEventRequest) (*model.Event, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return nil, fmt.Errorf("event title is required")
	}
	return s.events.Create(ctx, organizerID, req)
}

// ListEvents returns all events.
func (s *Service) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.events.List(ctx)
}

// GetEvent returns a single event by ID.
func (s *Service) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, fmt.Errorf("event id is required")
	}
	return s.events.GetByID(ctx, id)
}

// EndEvent performs the organizer-triggered active→ended transition, opening
// the claim window. It is not idempotent: ending an already-ended event fails
// rather than resetting the window and invalidating issued codes.
func (s *Service) EndEvent(ctx context.Context, eventID, organizerID string, cfg model.CertificateConfig) (*model.Event, error) {
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.OrganizerID != organizerID {
		return nil, ErrForbidden
	}
	if cfg.TemplatePath == "" {
		return nil, fmt.Errorf("certificate template is required")
	}

	expiry := s.now().Add(s.window)
	ended, err := s.events.End(ctx, eventID, cfg, expiry)
	if err != nil {
		return nil, err
	}
	s.log.Info("claim window opened",
		zap.String("event_id", eventID),
		zap.Time("claim_expiry", expiry),
	)
	return ended, nil
}

// Register signs the identified student up for an event.
func (s *Service) Register(ctx context.Context, eventID, studentID, studentName, email string) (*model.Registration, error) {
	if _, err := s.events.GetByID(ctx, eventID); err != nil {
		return nil, err
	}
	return s.registrations.Register(ctx, eventID, studentID, studentName, email)
}

// ListRegistrations returns all registrations for an event.
func (s *Service) ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error) {
	if _, err := s.events.GetByID(ctx, eventID); err != nil {
		return nil, err
	}
	return s.registrations.ListByEvent(ctx, eventID)
}

// ListCertificates returns issued certificates for an event in issue order,
// for reporting.
func (s *Service) ListCertificates(ctx context.Context, eventID string) ([]model.Certificate, error) {
	if _, err := s.events.GetByID(ctx, eventID); err != nil {
		return nil, err
	}
	return s.certificates.ListByEvent(ctx, eventID)
}

// Stats returns registered vs claimed counts for an event.
func (s *Service) Stats(ctx context.Context, eventID string) (*model.EventStats, error) {
	if _, err := s.events.GetByID(ctx, eventID); err != nil {
		return nil, err
	}

	stats := &model.EventStats{EventID: eventID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.registrations.CountByEvent(gctx, eventID)
		stats.Registered = n
		return err
	})
	g.Go(func() error {
		n, err := s.certificates.CountByEvent(gctx, eventID)
		stats.Claimed = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// mapNotFound converts a store-level ErrNotFound into a claim-specific error.
func mapNotFound(err, instead error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return instead
	}
	return err
}
