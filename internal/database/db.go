// Package database owns the single embedded SQLite connection pool
// (§4.1, §6 persistent-state-layout). Adapted from the teacher's
// internal/database/db.go: that repo opened a network Postgres pool
// per §9's resolved "shared pool, not open-per-query" decision; this
// repo does the same against a single file instead.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DB wraps the pool used by every repository. The pool is capped at a
// single connection (SQLite has one writer at a time), so reads and
// writes alike are serialized through it.
type DB struct {
	*sql.DB
	log *logrus.Logger
}

// Open creates the parent directory if needed, opens the SQLite file at
// path in WAL mode, and verifies connectivity.
func Open(path string, log *logrus.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows exactly one writer; capping the pool avoids
	// SQLITE_BUSY races instead of relying solely on busy_timeout.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithField("path", path).Info("database connection established")
	return &DB{DB: sqlDB, log: log}, nil
}

func (d *DB) Close() {
	if d == nil || d.DB == nil {
		return
	}
	if err := d.DB.Close(); err != nil {
		d.log.WithError(err).Warn("error closing database")
		return
	}
	d.log.Info("database connection closed")
}
