package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CertCodeSequence is the process-wide counter behind certificate codes.
const CertCodeSequence = "cert_code"

// SequenceRepository hands out strictly increasing values from named
// counters stored in Postgres.
type SequenceRepository struct {
	db *pgxpool.Pool
}

// NewSequenceRepository constructs a SequenceRepository.
func NewSequenceRepository(db *pgxpool.Pool) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// Ensure initializes a counter at zero if it does not exist. Safe to call
// from any number of concurrently starting replicas.
func (r *SequenceRepository) Ensure(ctx context.Context, name string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO cert_sequence (name, seq) VALUES ($1, 0)
		 ON CONFLICT (name) DO NOTHING`,
		name,
	)
	if err != nil {
		return fmt.Errorf("ensure sequence %q: %w", name, err)
	}
	return nil
}

// Next atomically increments the named counter and returns the new value.
// The increment-and-fetch is a single UPDATE ... RETURNING, so no two
// callers can ever observe the same value; Postgres row locking serializes
// concurrent increments.
func (r *SequenceRepository) Next(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := r.db.QueryRow(ctx,
		`UPDATE cert_sequence SET seq = seq + 1 WHERE name = $1 RETURNING seq`,
		name,
	).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("next sequence %q: %w", name, err)
	}

	// Counter row missing (fresh database without the seed row). Create it
	// idempotently and retry once.
	if err := r.Ensure(ctx, name); err != nil {
		return 0, err
	}
	err = r.db.QueryRow(ctx,
		`UPDATE cert_sequence SET seq = seq + 1 WHERE name = $1 RETURNING seq`,
		name,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence %q after init: %w", name, err)
	}
	return seq, nil
}
