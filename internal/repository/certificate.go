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

// CertificateRepository is the claim ledger: the unique index on
// (event_id, student_id) is what guarantees at-most-one certificate per pair.
type CertificateRepository struct {
	db *pgxpool.Pool
}

// NewCertificateRepository constructs a CertificateRepository.
func NewCertificateRepository(db *pgxpool.Pool) *CertificateRepository {
	return &CertificateRepository{db: db}
}

// Reserve attempts to win the claim for (eventID, studentID) with a single
// unconditional insert against the unique index. There is deliberately no
// existence check beforehand: under N concurrent claims for the same pair
// exactly one insert lands and the rest see a conflict. Returns the
// reservation ID and whether this caller won.
func (r *CertificateRepository) Reserve(ctx context.Context, eventID, studentID string) (string, bool, error) {
	id := uuid.New().String()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO certificates (id, event_id, student_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id, student_id) DO NOTHING`,
		id, eventID, studentID, time.Now().UTC(),
	)
	if err != nil {
		// A concurrent insert can still surface as a unique violation when the
		// competing transaction commits first; treat it the same as a conflict.
		if isUniqueViolation(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reserve claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}
	return id, true, nil
}

// Finalize completes a won reservation with its allocated code and artifact
// locations. Only pending rows are eligible; a finalized certificate is never
// updated again.
func (r *CertificateRepository) Finalize(ctx context.Context, id, certCode, templateURL, certURL string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE certificates
		 SET cert_code = $2, template_url = $3, generated_cert_url = $4
		 WHERE id = $1 AND cert_code IS NULL`,
		id, certCode, templateURL, certURL,
	)
	if err != nil {
		return fmt.Errorf("finalize certificate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Release frees a reservation whose winner failed before finalizing, so a
// later claim attempt can re-win the pair. Finalized certificates are
// protected by the cert_code IS NULL guard and can never be released.
func (r *CertificateRepository) Release(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM certificates WHERE id = $1 AND cert_code IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

const certColumns = `id, event_id, student_id,
	COALESCE(cert_code, ''), COALESCE(template_url, ''), COALESCE(generated_cert_url, ''), created_at`

// Get returns the certificate (or pending reservation) for a pair, or
// ErrNotFound.
func (r *CertificateRepository) Get(ctx context.Context, eventID, studentID string) (*model.Certificate, error) {
	var c model.Certificate
	err := r.db.QueryRow(ctx,
		`SELECT `+certColumns+`
		 FROM certificates
		 WHERE event_id = $1 AND student_id = $2`,
		eventID, studentID,
	).Scan(&c.ID, &c.EventID, &c.StudentID, &c.CertCode, &c.TemplateURL, &c.GeneratedCertURL, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	return &c, nil
}

// ListByEvent returns all finalized certificates for an event in issue order,
// for the reporting collaborator.
func (r *CertificateRepository) ListByEvent(ctx context.Context, eventID string) ([]model.Certificate, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+certColumns+`
		 FROM certificates
		 WHERE event_id = $1 AND cert_code IS NOT NULL
		 ORDER BY created_at ASC, cert_code ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		var c model.Certificate
		if err := rows.Scan(&c.ID, &c.EventID, &c.StudentID, &c.CertCode, &c.TemplateURL, &c.GeneratedCertURL, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}

// CountByEvent returns how many certificates have actually been issued for an
// event. Pending reservations are not counted.
func (r *CertificateRepository) CountByEvent(ctx context.Context, eventID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM certificates WHERE event_id = $1 AND cert_code IS NOT NULL`,
		eventID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count certificates: %w", err)
	}
	return n, nil
}
