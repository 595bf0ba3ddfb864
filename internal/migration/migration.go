// Package migration creates the persisted schema on startup, so the pipeline
// is usable out of the box for local and self-hosted environments.
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	"github.com/beaconhq/beacon/internal/idempotency"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded SQL migrations against postgres.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not close the migrator here; it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the schema from the models on dialects the SQL
// migrations do not target (sqlite, mysql).
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&eventdomain.BusinessEvent{},
		&eventdomain.EventProperty{},
		&idempotency.Reservation{},
		&deliverydomain.DeliveryTask{},
		&aggregatedomain.Bucket{},
		&aggregatedomain.Cursor{},
	)
}
