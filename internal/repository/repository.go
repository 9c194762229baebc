// Package repository implements all database queries for the certificate
// platform. It uses pgx directly (no ORM) for transparency and performance.
//
// The claim ledger and the certificate code sequence are the only mutable
// shared state in the system; both are mutated exclusively through single
// atomic statements so that concurrent handlers, including handlers in other
// replicas, coordinate through Postgres rather than in-process locks.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRegistered is returned when the same student registers twice for
// one event.
var ErrAlreadyRegistered = errors.New("student already registered for this event")

// ErrAlreadyEnded is returned when an end-event transition is attempted on an
// event that has already been ended. The transition is deliberately not
// idempotent: re-ending would reset the claim window.
var ErrAlreadyEnded = errors.New("event has already been ended")

// pgUniqueViolation is the Postgres error code for unique constraint breaches.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
