// Package migrations wires golang-migrate execution for the meetbridge persistence layer.
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
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/internal/infra/telemetry"
)

// EmbeddedLabel identifies the bundled migrations in logs and metrics.
const EmbeddedLabel = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// source names where migrations are read from.
type source struct {
	label string
	open  func(driver database.Driver) (*migrate.Migrate, error)
}

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *zap.Logger) error {
	src, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, src, "up", logger, func(m *migrate.Migrate) error { return m.Up() })
}

// ApplyFS applies migrations bundled in fsys, typically dbmigrations.Files.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger *zap.Logger) error {
	src, err := fsSource(fsys)
	if err != nil {
		return err
	}
	return run(ctx, dsn, src, "up", logger, func(m *migrate.Migrate) error { return m.Up() })
}

// Rollback reverts the most recent steps migrations found in migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *zap.Logger) error {
	src, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("rollback %d: %w", steps, errInvalidSteps)
	}
	return run(ctx, dsn, src, "down", logger, func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

// RollbackFS reverts the most recent steps migrations bundled in fsys.
func RollbackFS(ctx context.Context, dsn string, fsys fs.FS, steps int, logger *zap.Logger) error {
	src, err := fsSource(fsys)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("rollback %d: %w", steps, errInvalidSteps)
	}
	return run(ctx, dsn, src, "down", logger, func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func dirSource(dir string) (source, error) {
	resolved, err := resolveDir(dir)
	if err != nil {
		return source{}, err
	}
	sourceURL := fileURL(resolved)
	return source{
		label: resolved,
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			return migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
		},
	}, nil
}

func fsSource(fsys fs.FS) (source, error) {
	if fsys == nil {
		return source{}, fmt.Errorf("migrations filesystem required")
	}
	return source{
		label: EmbeddedLabel,
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			src, err := iofs.New(fsys, ".")
			if err != nil {
				return nil, fmt.Errorf("open embedded migrations: %w", err)
			}
			return migrate.NewWithInstance("iofs", src, "pgx5", driver)
		},
	}, nil
}

func run(ctx context.Context, dsn string, src source, direction string, logger *zap.Logger, step func(*migrate.Migrate) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("path", src.label), zap.String("direction", direction))

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", zap.Error(cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := src.open(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", zap.Error(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", zap.Error(dbErr))
		}
	}()

	logger.Info("running database migrations")
	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", direction, src.label)
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", direction, src.label)
		return fmt.Errorf("%s migrations: %w", direction, err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		logger.Info("database migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	} else {
		logger.Info("database migrations applied")
	}
	recordMigrationMetric(ctx, "applied", direction, src.label)
	return nil
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

func recordMigrationMetric(ctx context.Context, result, direction, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("meetbridge_db_migrations_total",
			metric.WithDescription("Total migration runs executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
		attribute.String("direction", direction),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
