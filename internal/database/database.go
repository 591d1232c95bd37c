// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// DB wraps the sqlite handle. It satisfies dbinterface.Querier.
type DB struct {
	*sql.DB
	path string
}

// New opens (or creates) the sqlite database at path and bootstraps the schema.
// Use ":memory:" for an ephemeral database.
func New(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory for %s", path)
		}
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// A single connection keeps :memory: databases coherent and avoids SQLITE_BUSY on writes.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxIdleTime(0)

	db := &DB{DB: conn, path: path}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if err := db.bootstrap(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("database: ready")

	return db, nil
}

func dsn(path string) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(pragmas, "&"))
}

func (db *DB) bootstrap(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin schema transaction")
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to apply schema statement %q", firstLine(stmt))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit schema")
	}
	return nil
}

// Path returns the file backing the database.
func (db *DB) Path() string {
	return db.path
}

func splitStatements(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		stmt := strings.TrimSpace(part)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func firstLine(stmt string) string {
	if idx := strings.IndexByte(stmt, '\n'); idx >= 0 {
		return stmt[:idx]
	}
	return stmt
}
