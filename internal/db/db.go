// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package db provides the data access layer for KHM.
// It abstracts the underlying database (PostgreSQL in production, SQLite for
// local use, MySQL experimentally) behind a consistent interface, allowing
// the rest of the application to interact with the database in a uniform way.
package db // import "github.com/toeirei/khm/internal/db"

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

//go:embed migrations
var embeddedMigrations embed.FS

// maxPoolConns bounds the shared connection pool; request tasks block
// cooperatively when it is exhausted.
const maxPoolConns = 16

// NewStoreFromDSN opens a sql.DB for the given DSN, runs migrations, and
// returns a Store backed by a long-lived *bun.DB. This hides *sql.DB usage
// from higher-level callers.
func NewStoreFromDSN(dbType, dsn string) (Store, error) {
	driver := dbType
	if dbType == "postgres" {
		driver = "pgx"
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxPoolConns)

	if err := RunMigrations(sqlDB, dbType); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	switch dbType {
	case "sqlite":
		return &KeyStore{bun: bun.NewDB(sqlDB, sqlitedialect.New())}, nil
	case "postgres":
		return &KeyStore{bun: bun.NewDB(sqlDB, pgdialect.New())}, nil
	case "mysql":
		return &KeyStore{bun: bun.NewDB(sqlDB, mysqldialect.New())}, nil
	default:
		return nil, fmt.Errorf("unsupported database type for store creation: '%s'", dbType)
	}
}

// PostgresDSN assembles a pgx DSN from discrete connection parameters.
func PostgresDSN(host string, port int, name, user, password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, password, host, port, name)
}

// RunMigrations applies the necessary database migrations for a given database connection.
func RunMigrations(db *sql.DB, dbType string) error {
	migrationsPath := fmt.Sprintf("migrations/%s", dbType)

	entries, err := fs.ReadDir(embeddedMigrations, migrationsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// No migrations embedded for this DB type.
			return nil
		}
		return fmt.Errorf("failed to read embedded migrations (%s): %w", migrationsPath, err)
	}

	// Collect .up.sql files and sort them
	var ups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".up.sql") {
			ups = append(ups, name)
		}
	}
	sort.Strings(ups)

	if err := ensureSchemaMigrationsTable(db, dbType); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	for _, fname := range ups {
		version := strings.TrimSuffix(fname, ".up.sql")

		// Check if already applied.
		var exists int
		query := "SELECT 1 FROM schema_migrations WHERE version = ?"
		if dbType == "postgres" {
			query = "SELECT 1 FROM schema_migrations WHERE version = $1"
		}
		err := db.QueryRow(query, version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check migration %s: %w", version, err)
		}

		contents, err := embeddedMigrations.ReadFile(path.Join(migrationsPath, fname))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", fname, err)
		}
		if _, err := db.Exec(string(contents)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", version, err)
		}

		record := "INSERT INTO schema_migrations (version) VALUES (?)"
		if dbType == "postgres" {
			record = "INSERT INTO schema_migrations (version) VALUES ($1)"
		}
		if _, err := db.Exec(record, version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
	}
	return nil
}

// ensureSchemaMigrationsTable creates the version-tracking table if it is missing.
func ensureSchemaMigrationsTable(db *sql.DB, dbType string) error {
	ddl := "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"
	if dbType == "mysql" {
		ddl = "CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(255) PRIMARY KEY)"
	}
	_, err := db.Exec(ddl)
	return err
}
