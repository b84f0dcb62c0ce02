package store

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/file"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// MigrationConfig configures which database to migrate and where its
// migration files live.
type MigrationConfig struct {
	// MigrationsPath is the directory holding this backend's .up.sql/
	// .down.sql files (internal/store/migrations/postgres or .../sqlite).
	MigrationsPath string
	// DatabaseType is "sqlite" or "postgres".
	DatabaseType string
	// DatabasePath is the SQLite database file path (sqlite only).
	DatabasePath string
	// DatabaseURL is the PostgreSQL connection string (postgres only).
	DatabaseURL string
}

// RunMigrations applies all pending migrations for the configured backend.
func RunMigrations(cfg *MigrationConfig) error {
	m, db, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

// RollbackMigrations rolls back steps migrations, or all of them if steps
// is 0.
func RollbackMigrations(cfg *MigrationConfig, steps int) error {
	m, db, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if steps == 0 {
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("store: rollback all migrations: %w", err)
		}
		return nil
	}
	if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: rollback %d migration(s): %w", steps, err)
	}
	return nil
}

// MigrationVersion returns the current schema version and whether it is
// in a dirty (partially applied) state.
func MigrationVersion(cfg *MigrationConfig) (uint, bool, error) {
	m, db, err := newMigrate(cfg)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return 0, false, fmt.Errorf("store: migration version: %w", err)
	}
	return version, dirty, nil
}

func newMigrate(cfg *MigrationConfig) (*migrate.Migrate, *sql.DB, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open database: %w", err)
	}

	driver, err := createDriver(db, cfg.DatabaseType)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("store: create migration driver: %w", err)
	}

	migrationsPath := cfg.MigrationsPath
	if !filepath.IsAbs(migrationsPath) {
		abs, err := filepath.Abs(migrationsPath)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("store: resolve migrations path: %w", err)
		}
		migrationsPath = abs
	}

	src, err := (&file.File{}).Open(fmt.Sprintf("file://%s", migrationsPath))
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("store: open migrations source: %w", err)
	}

	m, err := migrate.NewWithInstance("file", src, cfg.DatabaseType, driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("store: create migrate instance: %w", err)
	}

	return m, db, nil
}

func openDatabase(cfg *MigrationConfig) (*sql.DB, error) {
	switch cfg.DatabaseType {
	case "sqlite":
		if cfg.DatabasePath == "" {
			return nil, fmt.Errorf("database path is required for sqlite")
		}
		return sql.Open("sqlite", cfg.DatabasePath)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL is required for postgres")
		}
		return sql.Open("postgres", cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
}

func createDriver(db *sql.DB, dbType string) (database.Driver, error) {
	switch dbType {
	case "sqlite":
		return sqlite3.WithInstance(db, &sqlite3.Config{})
	case "postgres":
		return postgres.WithInstance(db, &postgres.Config{})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
