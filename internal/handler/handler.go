// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/eventcert/certclaim/internal/assets"
	"github.com/eventcert/certclaim/internal/certimage"
	"github.com/eventcert/certclaim/internal/model"
	"github.com/eventcert/certclaim/internal/repository"
	"github.com/eventcert/certclaim/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Template uploads are capped to keep multipart parsing bounded.
const maxTemplateUploadBytes = 10 << 20

// The original platform defaults the name size when organizers omit it.
const defaultNameFontSize = 80

// EventHandler holds all HTTP handlers for the certificate platform API.
type EventHandler struct {
	svc      *service.Service
	assets   *assets.LocalStore
	validate *validator.Validate
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(svc *service.Service, store *assets.LocalStore) *EventHandler {
	return &EventHandler{
		svc:      svc,
		assets:   store,
		validate: validator.New(),
	}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ─── Event CRUD ───────────────────────────────────────────────────────────────

// CreateEvent handles POST /events (organizer).
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req model.CreateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	event, err := h.svc.CreateEvent(r.Context(), id.UserID, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events.
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}.
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// ─── Registration ─────────────────────────────────────────────────────────────

// Register handles POST /events/{id}/register (student).
func (h *EventHandler) Register(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	id, _ := IdentityFrom(r.Context())

	var req model.RegisterRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg, err := h.svc.Register(r.Context(), eventID, id.UserID, id.Name, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "event not found")
		case errors.Is(err, repository.ErrAlreadyRegistered):
			writeError(w, http.StatusBadRequest, "already registered")
		default:
			writeError(w, http.StatusInternalServerError, "failed to register")
		}
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// ListRegistrations handles GET /events/{id}/registrations (organizer).
func (h *EventHandler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.svc.ListRegistrations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list registrations")
		return
	}
	if regs == nil {
		regs = []model.Registration{}
	}
	writeJSON(w, http.StatusOK, regs)
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// EndEvent handles POST /events/{id}/end (organizer). The multipart form
// carries the certificate template image plus layout coordinates already
// rescaled to template pixels. Ending opens the claim window and cannot be
// repeated.
func (h *EventHandler) EndEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	id, _ := IdentityFrom(r.Context())

	if err := r.ParseMultipartForm(maxTemplateUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("certificateTemplate")
	if err != nil {
		writeError(w, http.StatusBadRequest, "template required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxTemplateUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read template upload")
		return
	}
	// Reject undecodable templates now rather than at first claim.
	img, err := certimage.DecodeTemplate(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "template is not a readable image")
		return
	}

	cfg, err := parseLayoutForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Out-of-canvas layouts are rejected here: the transition is one-way, so
	// a layout that fails at compose time would doom every claim.
	if err := certimage.ValidateLayout(certimage.Layout{
		NameX:        cfg.NameX,
		NameY:        cfg.NameY,
		CodeX:        cfg.CodeX,
		CodeY:        cfg.CodeY,
		NameFontSize: cfg.NameFontSize,
	}, img.Bounds()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, err := h.assets.SaveTemplateBytes(eventID, header.Filename, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store template")
		return
	}
	cfg.TemplatePath = path

	event, err := h.svc.EndEvent(r.Context(), eventID, id.UserID, cfg)
	if err != nil {
		// The upload is referenced by nothing on a rejected transition; keep
		// the directory free of dead files.
		_ = h.assets.Remove(path)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "event not found")
		case errors.Is(err, service.ErrForbidden):
			writeError(w, http.StatusForbidden, "you do not own this event")
		case errors.Is(err, repository.ErrAlreadyEnded):
			writeError(w, http.StatusConflict, "event has already been ended")
		default:
			writeError(w, http.StatusInternalServerError, "failed to end event")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "claim window opened",
		"expiry":  event.ClaimExpiry,
	})
}

func parseLayoutForm(r *http.Request) (model.CertificateConfig, error) {
	var cfg model.CertificateConfig
	fields := []struct {
		name     string
		dst      *float64
		fallback float64
		required bool
	}{
		{"nameX", &cfg.NameX, 0, true},
		{"nameY", &cfg.NameY, 0, true},
		{"codeX", &cfg.CodeX, 0, true},
		{"codeY", &cfg.CodeY, 0, true},
		{"nameFontSize", &cfg.NameFontSize, defaultNameFontSize, false},
	}
	for _, f := range fields {
		raw := r.FormValue(f.name)
		if raw == "" {
			if f.required {
				return cfg, errors.New(f.name + " is required")
			}
			*f.dst = f.fallback
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cfg, errors.New(f.name + " must be a number")
		}
		*f.dst = v
	}
	return cfg, nil
}

// ─── Claim ────────────────────────────────────────────────────────────────────

// Claim handles POST /events/{id}/claim (student). Idempotent per student:
// repeat claims return the already-issued certificate.
func (h *EventHandler) Claim(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	id, _ := IdentityFrom(r.Context())

	cert, err := h.svc.Claim(r.Context(), eventID, id.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "event not found")
		case errors.Is(err, service.ErrNotEnded):
			writeError(w, http.StatusBadRequest, "event hasn't ended yet")
		case errors.Is(err, service.ErrWindowExpired):
			writeError(w, http.StatusForbidden, "claim window has expired")
		case errors.Is(err, service.ErrNotRegistered):
			writeError(w, http.StatusForbidden, "not registered")
		case errors.Is(err, service.ErrClaimPending):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusAccepted, "certificate is being generated, retry shortly")
		default:
			writeError(w, http.StatusInternalServerError, "failed to claim certificate")
		}
		return
	}

	writeJSON(w, http.StatusOK, model.ClaimResponse{
		CertCode:       cert.CertCode,
		CertificateURL: cert.GeneratedCertURL,
	})
}

// ─── Reporting ────────────────────────────────────────────────────────────────

// ListCertificates handles GET /events/{id}/certificates (organizer).
func (h *EventHandler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.svc.ListCertificates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list certificates")
		return
	}
	if certs == nil {
		certs = []model.Certificate{}
	}
	writeJSON(w, http.StatusOK, certs)
}

// Stats handles GET /events/{id}/stats (organizer).
func (h *EventHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
