// Package memory provides in-memory store implementations with the same
// atomicity contracts as the Postgres repositories. They back the service
// and handler tests; every mutation happens under a single lock per store,
// mirroring the single-statement atomicity of the real queries.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eventcert/certclaim/internal/model"
	"github.com/eventcert/certclaim/internal/repository"
	"github.com/google/uuid"
)

func pairKey(eventID, studentID string) string {
	return eventID + "/" + studentID
}

// EventStore is an in-memory service.EventStore.
type EventStore struct {
	mu     sync.RWMutex
	events map[string]model.Event
}

// NewEventStore constructs an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string]model.Event)}
}

func (s *EventStore) Create(_ context.Context, organizerID string, req model.CreateEventRequest) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := model.Event{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		OrganizerID: organizerID,
		Status:      model.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	s.events[e.ID] = e
	return &e, nil
}

func (s *EventStore) List(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *EventStore) GetByID(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (s *EventStore) End(_ context.Context, id string, cfg model.CertificateConfig, expiry time.Time) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.Status != model.StatusActive {
		return nil, repository.ErrAlreadyEnded
	}
	e.Status = model.StatusEnded
	e.ClaimExpiry = &expiry
	e.CertificateConfig = &cfg
	s.events[id] = e
	return &e, nil
}

// RegistrationStore is an in-memory service.RegistrationStore.
type RegistrationStore struct {
	mu   sync.RWMutex
	regs map[string]model.Registration
}

// NewRegistrationStore constructs an empty RegistrationStore.
func NewRegistrationStore() *RegistrationStore {
	return &RegistrationStore{regs: make(map[string]model.Registration)}
}

func (s *RegistrationStore) Register(_ context.Context, eventID, studentID, studentName, email string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(eventID, studentID)
	if _, exists := s.regs[key]; exists {
		return nil, repository.ErrAlreadyRegistered
	}
	reg := model.Registration{
		ID:          uuid.New().String(),
		EventID:     eventID,
		StudentID:   studentID,
		StudentName: studentName,
		Email:       email,
		CreatedAt:   time.Now().UTC(),
	}
	s.regs[key] = reg
	return &reg, nil
}

func (s *RegistrationStore) Get(_ context.Context, eventID, studentID string) (*model.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[pairKey(eventID, studentID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &reg, nil
}

func (s *RegistrationStore) ListByEvent(_ context.Context, eventID string) ([]model.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Registration
	for _, reg := range s.regs {
		if reg.EventID == eventID {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RegistrationStore) CountByEvent(ctx context.Context, eventID string) (int, error) {
	regs, err := s.ListByEvent(ctx, eventID)
	return len(regs), err
}

// CertificateStore is an in-memory claim ledger.
type CertificateStore struct {
	mu     sync.Mutex
	byPair map[string]string
	byID   map[string]model.Certificate

	// FinalizeCtxCheck makes Finalize fail on canceled contexts, matching
	// the real store's behavior, so context detachment is testable.
	FinalizeCtxCheck bool
}

// NewCertificateStore constructs an empty CertificateStore.
func NewCertificateStore() *CertificateStore {
	return &CertificateStore{
		byPair: make(map[string]string),
		byID:   make(map[string]model.Certificate),
	}
}

func (s *CertificateStore) Reserve(_ context.Context, eventID, studentID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(eventID, studentID)
	if _, exists := s.byPair[key]; exists {
		return "", false, nil
	}
	c := model.Certificate{
		ID:        uuid.New().String(),
		EventID:   eventID,
		StudentID: studentID,
		CreatedAt: time.Now().UTC(),
	}
	s.byPair[key] = c.ID
	s.byID[c.ID] = c
	return c.ID, true, nil
}

func (s *CertificateStore) Finalize(ctx context.Context, id, certCode, templateURL, certURL string) error {
	if s.FinalizeCtxCheck {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.CertCode != "" {
		return repository.ErrNotFound
	}
	c.CertCode = certCode
	c.TemplateURL = templateURL
	c.GeneratedCertURL = certURL
	s.byID[id] = c
	return nil
}

func (s *CertificateStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.CertCode != "" {
		return nil
	}
	delete(s.byID, id)
	delete(s.byPair, pairKey(c.EventID, c.StudentID))
	return nil
}

func (s *CertificateStore) Get(_ context.Context, eventID, studentID string) (*model.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPair[pairKey(eventID, studentID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := s.byID[id]
	return &c, nil
}

func (s *CertificateStore) ListByEvent(_ context.Context, eventID string) ([]model.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Certificate
	for _, c := range s.byID {
		if c.EventID == eventID && c.CertCode != "" {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CertCode < out[j].CertCode })
	return out, nil
}

func (s *CertificateStore) CountByEvent(ctx context.Context, eventID string) (int, error) {
	certs, err := s.ListByEvent(ctx, eventID)
	return len(certs), err
}

// SequenceStore is an in-memory atomic counter.
type SequenceStore struct {
	mu  sync.Mutex
	seq int64
}

func (s *SequenceStore) Next(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

// Value returns the current counter value without advancing it.
func (s *SequenceStore) Value() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// AssetStore is an in-memory service.AssetStore.
type AssetStore struct {
	mu        sync.Mutex
	templates map[string][]byte
	saved     map[string][]byte
}

// NewAssetStore constructs an empty AssetStore.
func NewAssetStore() *AssetStore {
	return &AssetStore{
		templates: make(map[string][]byte),
		saved:     make(map[string][]byte),
	}
}

// AddTemplate registers template bytes under a path, as if uploaded.
func (s *AssetStore) AddTemplate(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[path] = data
}

func (s *AssetStore) ReadTemplate(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.templates[path]
	if !ok {
		return nil, fmt.Errorf("template %q not found", path)
	}
	return data, nil
}

func (s *AssetStore) SaveCertificate(eventID, studentID string, png []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := fmt.Sprintf("/uploads/cert-%s-%s.png", eventID, studentID)
	s.saved[url] = png
	return url, nil
}

func (s *AssetStore) TemplateURL(path string) string {
	return "/uploads/" + path
}
