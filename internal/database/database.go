// Package database opens the Postgres pool and brings its schema up to date.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/gymhub/backend/internal/migrations"
)

const pingTimeout = 5 * time.Second

// Open connects to Postgres, sizes the pool and verifies connectivity.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	configure(db)

	logTarget(logger, dsn)

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func configure(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

// Migrate applies pending migrations. A dirty schema left by a crashed
// migration is reset to the last clean version and retried once.
func Migrate(db *sql.DB, logger zerolog.Logger) error {
	log := logger.With().Str("component", "migrations").Logger()

	err := migrations.Up(db, log)
	if err == nil {
		return nil
	}

	var dirty migrate.ErrDirty
	if !errors.As(err, &dirty) {
		return err
	}

	log.Warn().Int("version", dirty.Version).Msg("dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db, log); fixErr != nil {
		log.Error().Err(fixErr).Msg("failed to fix dirty database")
		return err
	}
	return migrations.Up(db, log)
}

func logTarget(logger zerolog.Logger, dsn string) {
	// Only hostname and database name; the DSN carries credentials.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info().Str("component", "database").Msg("database configured (dsn not parseable)")
		return
	}
	logger.Info().
		Str("component", "database").
		Str("host", u.Hostname()).
		Str("db", strings.TrimPrefix(u.Path, "/")).
		Msg("database target")
}
