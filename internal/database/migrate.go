package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all pending schema migrations for the store's dialect.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations/"+s.driver)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var m *migrate.Migrate
	switch s.driver {
	case DriverPostgres:
		drv, err := postgres.WithInstance(s.conn, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, s.driver, drv)
		if err != nil {
			return fmt.Errorf("new migrate: %w", err)
		}
	case DriverSQLite:
		drv, err := sqlite.WithInstance(s.conn, &sqlite.Config{})
		if err != nil {
			return fmt.Errorf("migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, s.driver, drv)
		if err != nil {
			return fmt.Errorf("new migrate: %w", err)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", s.driver)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}
