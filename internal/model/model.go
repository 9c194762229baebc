// Package model defines the core domain types for the event certificate platform.
package model

import (
	"fmt"
	"time"
)

// Event statuses. An event is created active and transitions to ended exactly
// once, which opens the claim window.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// CertificateConfig carries the layout an organizer locked in when ending the
// event. Coordinates are in template-pixel space (the UI rescales before
// submitting).
type CertificateConfig struct {
	NameX        float64 `json:"name_x"`
	NameY        float64 `json:"name_y"`
	CodeX        float64 `json:"code_x"`
	CodeY        float64 `json:"code_y"`
	NameFontSize float64 `json:"name_font_size"`
	TemplatePath string  `json:"template_path"`
}

// Event represents an event run by an organizer. ClaimExpiry and
// CertificateConfig are set only when the event is ended.
type Event struct {
	ID                string             `json:"id"`
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	OrganizerID       string             `json:"organizer_id"`
	Status            string             `json:"status"`
	ClaimExpiry       *time.Time         `json:"claim_expiry,omitempty"`
	CertificateConfig *CertificateConfig `json:"certificate_config,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// IsClaimable reports whether certificates can be claimed at the given
// instant: the event has ended and the claim window has not passed.
func (e *Event) IsClaimable(now time.Time) bool {
	return e.Status == StatusEnded && e.ClaimExpiry != nil && !now.After(*e.ClaimExpiry)
}

// Ended reports whether the one-way active→ended transition has happened.
func (e *Event) Ended() bool {
	return e.Status == StatusEnded
}

// Registration records that a student signed up for an event before it ended.
// (event_id, student_id) is unique.
type Registration struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id"`
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Certificate is the claim ledger entry and, once finalized, the issued
// artifact. A row with an empty CertCode is a reservation whose winner has
// not finished composing yet.
type Certificate struct {
	ID               string    `json:"id"`
	EventID          string    `json:"event_id"`
	StudentID        string    `json:"student_id"`
	CertCode         string    `json:"cert_code"`
	TemplateURL      string    `json:"template_url"`
	GeneratedCertURL string    `json:"generated_cert_url"`
	CreatedAt        time.Time `json:"created_at"`
}

// Pending reports whether this row is a reservation still waiting on its
// winner to finalize.
func (c *Certificate) Pending() bool {
	return c.CertCode == ""
}

// CertCodeWidth is the minimum width of a formatted certificate code.
const CertCodeWidth = 6

// FormatCertCode renders an allocated sequence value as a zero-padded
// decimal string. Values beyond 999999 keep their natural width rather than
// being truncated or refused.
func FormatCertCode(seq int64) string {
	return fmt.Sprintf("%0*d", CertCodeWidth, seq)
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

// RegisterRequest is the payload for registering for an event. The student's
// identity and display name come from the verified request identity, not the
// body.
type RegisterRequest struct {
	Email string `json:"email" validate:"omitempty,email"`
}

// ClaimResponse is the success body of a claim: the allocated code and where
// the composed certificate lives.
type ClaimResponse struct {
	CertCode       string `json:"cert_code"`
	CertificateURL string `json:"certificate_url"`
}

// EventStats summarizes claim progress for one event.
type EventStats struct {
	EventID    string `json:"event_id"`
	Registered int    `json:"registered"`
	Claimed    int    `json:"claimed"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
