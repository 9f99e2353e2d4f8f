package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("record not found")

type Config struct {
	Path string
	// SecretKey is the hex encoded sealing key; empty means use or create
	// the key kept in the settings table.
	SecretKey string
}

// Store owns the database handle and the per-table operations.
type Store struct {
	db     *sql.DB
	sealer *Sealer

	Devices  *DeviceOperations
	Projects *ProjectOperations
	Jobs     *JobOperations
	Settings *SettingsOperations
}

// Open opens the SQLite database, applies pending migrations and loads the
// sealing key.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && cfg.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	s := &Store{db: conn}
	s.Devices = &DeviceOperations{store: s}
	s.Projects = &ProjectOperations{store: s}
	s.Jobs = &JobOperations{store: s}
	s.Settings = &SettingsOperations{store: s}

	if err := s.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	key, err := s.sealingKey(ctx, cfg.SecretKey)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if s.sealer, err = NewSealer(key); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

type Migration struct {
	Version string
	SQL     string
}

// Migrate applies the embedded migrations that have not been recorded in
// schema_migrations yet.
func (s *Store) Migrate(ctx context.Context) error {
	return RunMigrationsFromFS(ctx, s.db, migrationsFS)
}

func RunMigrationsFromFS(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	var migrations []Migration
	err = fs.WalkDir(fsys, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}

		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", path, err)
		}

		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(filepath.Base(path), ".sql"),
			SQL:     string(content),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk migrations directory: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
