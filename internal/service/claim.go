package service

import (
	"context"
	"fmt"
	"time"

	"github.com/eventcert/certclaim/internal/certimage"
	"github.com/eventcert/certclaim/internal/model"
	"github.com/eventcert/certclaim/internal/repository"
	"go.uber.org/zap"
)

// Claim is the end-to-end certificate claim protocol. It is idempotent per
// (event, student): exactly one attempt ever does the generation work, and
// every other concurrent or later attempt resolves to the same certificate.
//
// Eligibility is re-read from the store on every call; nothing is cached
// across requests. The at-most-one guarantee comes entirely from the
// ledger's atomic Reserve, never from a check-then-insert sequence.
func (s *Service) Claim(ctx context.Context, eventID, studentID string) (*model.Certificate, error) {
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !event.Ended() {
		return nil, ErrNotEnded
	}
	if !event.IsClaimable(now) {
		return nil, ErrWindowExpired
	}

	reg, err := s.registrations.Get(ctx, eventID, studentID)
	if err != nil {
		return nil, mapNotFound(err, ErrNotRegistered)
	}

	reservationID, won, err := s.certificates.Reserve(ctx, eventID, studentID)
	if err != nil {
		return nil, fmt.Errorf("claim ledger: %w", err)
	}
	if !won {
		return s.awaitWinner(ctx, eventID, studentID)
	}

	// From here on the reservation exists and must not be stranded: a client
	// disconnect no longer cancels the work, and any failure releases the
	// slot so a later attempt can re-win the pair.
	ctx = context.WithoutCancel(ctx)
	cert, err := s.generate(ctx, event, reg, reservationID)
	if err != nil {
		if relErr := s.certificates.Release(ctx, reservationID); relErr != nil {
			s.log.Error("failed to release claim reservation",
				zap.String("reservation_id", reservationID),
				zap.Error(relErr),
			)
		}
		return nil, err
	}
	return cert, nil
}

// generate runs the winning path: allocate a code, compose the image,
// persist the artifact, and finalize the ledger row.
func (s *Service) generate(ctx context.Context, event *model.Event, reg *model.Registration, reservationID string) (*model.Certificate, error) {
	seq, err := s.sequences.Next(ctx, repository.CertCodeSequence)
	if err != nil {
		return nil, fmt.Errorf("allocate certificate code: %w", err)
	}
	code := model.FormatCertCode(seq)

	cfg := event.CertificateConfig
	if cfg == nil {
		return nil, fmt.Errorf("event %s has no certificate config", event.ID)
	}

	template, err := s.assets.ReadTemplate(cfg.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", certimage.ErrTemplateUnreadable, err)
	}

	png, err := s.composer.Compose(template, reg.StudentName, code, certimage.Layout{
		NameX:        cfg.NameX,
		NameY:        cfg.NameY,
		CodeX:        cfg.CodeX,
		CodeY:        cfg.CodeY,
		NameFontSize: cfg.NameFontSize,
	})
	if err != nil {
		return nil, fmt.Errorf("compose certificate: %w", err)
	}

	certURL, err := s.assets.SaveCertificate(event.ID, reg.StudentID, png)
	if err != nil {
		return nil, fmt.Errorf("persist certificate image: %w", err)
	}

	templateURL := s.assets.TemplateURL(cfg.TemplatePath)
	if err := s.certificates.Finalize(ctx, reservationID, code, templateURL, certURL); err != nil {
		return nil, fmt.Errorf("finalize certificate: %w", err)
	}

	s.log.Info("certificate issued",
		zap.String("event_id", event.ID),
		zap.String("student_id", reg.StudentID),
		zap.String("cert_code", code),
	)
	return s.certificates.Get(ctx, event.ID, reg.StudentID)
}

// awaitWinner resolves a lost race to the winner's certificate. If the
// winner has not finalized within the wait budget, or its reservation was
// released after a failure, the loser gets ErrClaimPending and retries the
// idempotent claim.
func (s *Service) awaitWinner(ctx context.Context, eventID, studentID string) (*model.Certificate, error) {
	// The wait budget is wall-clock on purpose: it bounds real elapsed
	// polling time, while s.now is the domain clock for window checks and
	// may be frozen in tests.
	deadline := time.Now().Add(s.pendingWait)
	for {
		cert, err := s.certificates.Get(ctx, eventID, studentID)
		if err != nil {
			// Reservation gone: the winner failed and released the slot.
			return nil, mapNotFound(err, ErrClaimPending)
		}
		if !cert.Pending() {
			return cert, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrClaimPending
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}
