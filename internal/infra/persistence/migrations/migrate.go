// Package migrations applies the instrument and discovery schema with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/mdfeed/db/migrations"
	"github.com/coachpo/mdfeed/internal/observability"
	"github.com/coachpo/mdfeed/internal/telemetry"
)

const embeddedLabel = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply runs every pending up migration against the Postgres instance reachable
// via dsn. An empty dir selects the migrations embedded in the binary.
func Apply(ctx context.Context, dsn, dir string, logger observability.Logger) error {
	logger = observability.OrGlobal(logger)
	m, label, closeFn, err := open(ctx, dsn, dir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("running database migrations", observability.F("source", label))
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, telemetry.ResultFailed, label)
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "applied", label)
	logger.Info("database migrations applied")
	return nil
}

// Rollback reverts the most recent steps migrations.
func Rollback(ctx context.Context, dsn, dir string, steps int, logger observability.Logger) error {
	if steps < 1 {
		return errInvalidSteps
	}
	logger = observability.OrGlobal(logger)
	m, label, closeFn, err := open(ctx, dsn, dir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("rolling back database migrations", observability.F("source", label), observability.F("steps", steps))
	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			return nil
		}
		recordMigrationMetric(ctx, telemetry.ResultFailed, label)
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "rolled_back", label)
	return nil
}

func open(ctx context.Context, dsn, dir string, logger observability.Logger) (*migrate.Migrate, string, func(), error) {
	var (
		resolvedDir string
		err         error
	)
	if strings.TrimSpace(dir) != "" {
		resolvedDir, err = resolveDir(dir)
		if err != nil {
			return nil, "", nil, err
		}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", observability.F("error", cerr))
		}
	}
	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var (
		m     *migrate.Migrate
		label string
	)
	if resolvedDir == "" {
		label = embeddedLabel
		src, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("open embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		label = resolvedDir
		m, err = migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
	}

	closeFn := func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.F("error", dbErr))
		}
	}
	return m, label, closeFn, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("mdfeed_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := telemetry.ResultAttributes(result)
	if source != "" {
		attrs = append(attrs, attribute.String("migrations_source", source))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
