// Package migrations embeds and applies the database schema.
package migrations

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed *.sql
var migrationFiles embed.FS

// Run executes all pending migrations against the pool's database. If
// autoMigrate is false it only reports the current version.
func Run(pool *pgxpool.Pool, autoMigrate bool, log *zap.Logger) error {
	sourceDriver, err := iofs.New(migrationFiles, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	dbDriver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty migration state at version %d", version)
	}

	if !autoMigrate {
		log.Info("auto-migration disabled, skipping", zap.Uint("current_version", version))
		return nil
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("database schema is up to date", zap.Uint("version", version))
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read updated migration version: %w", err)
	}
	log.Info("database migrations completed",
		zap.Uint("from_version", version),
		zap.Uint("to_version", newVersion),
	)
	return nil
}
