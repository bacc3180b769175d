package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB, logger zerolog.Logger) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	currentVersion := uint(0)
	if v, dirty, verr := m.Version(); verr == nil {
		currentVersion = v
		logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("current database schema version")
	} else if errors.Is(verr, migrate.ErrNilVersion) {
		logger.Info().Msg("no existing migration version (fresh database)")
	} else {
		logger.Warn().Err(verr).Msg("unable to determine current schema version")
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Uint("version", currentVersion).Msg("database is up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		logger.Info().Uint("version", v).Msg("applied migrations")
	} else {
		logger.Warn().Err(err).Msg("applied migrations but failed to read new version")
	}

	return nil
}

// Version reports the current schema version and dirty flag. A fresh database
// reports version 0.
func Version(db *sql.DB) (uint, bool, error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrations: read version: %w", err)
	}
	return v, dirty, nil
}

// ForceVersion sets the schema version without running migrations and clears
// the dirty flag.
func ForceVersion(db *sql.DB, version uint) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	return nil
}

// FixDirtyDatabase recovers from a failed migration by forcing the schema back
// to the last fully applied version. A clean database is left untouched.
func FixDirtyDatabase(db *sql.DB, logger zerolog.Logger) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info().Msg("no migration version recorded; nothing to fix")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrations: read version: %w", err)
	}
	if !dirty {
		logger.Info().Uint("version", v).Msg("database is not dirty")
		return nil
	}

	// The failed migration may have partially applied; re-run it from the
	// previous version.
	target := int(v) - 1
	if target < 1 {
		target = -1
	}
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", target, err)
	}
	logger.Warn().Uint("dirty_version", v).Int("forced_version", target).Msg("cleared dirty migration state")
	return nil
}
