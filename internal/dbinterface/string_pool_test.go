// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openStringPool(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE string_pool (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			value TEXT NOT NULL UNIQUE
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	return db
}

func TestInternStringDeduplicates(t *testing.T) {
	db := openStringPool(t)
	ctx := context.Background()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	first, err := InternString(ctx, tx, "AudioBookBay")
	if err != nil {
		t.Fatalf("InternString failed: %v", err)
	}
	second, err := InternString(ctx, tx, "  AudioBookBay ")
	if err != nil {
		t.Fatalf("InternString failed: %v", err)
	}
	other, err := InternString(ctx, tx, "MyAnonamouse")
	if err != nil {
		t.Fatalf("InternString failed: %v", err)
	}

	if !first.Valid || first.Int64 <= 0 {
		t.Fatalf("Expected valid ID, got %+v", first)
	}
	if first != second {
		t.Errorf("Expected same ID for equal values, got %d and %d", first.Int64, second.Int64)
	}
	if first == other {
		t.Errorf("Expected different IDs for different values")
	}
}

func TestInternStringEmptyIsNull(t *testing.T) {
	db := openStringPool(t)

	id, err := InternString(context.Background(), db, "   ")
	if err != nil {
		t.Fatalf("InternString failed: %v", err)
	}
	if id.Valid {
		t.Errorf("Expected NULL ID for empty value, got %d", id.Int64)
	}
}

func TestGetStrings(t *testing.T) {
	db := openStringPool(t)
	ctx := context.Background()

	a, err := InternString(ctx, db, "alpha")
	if err != nil {
		t.Fatalf("InternString failed: %v", err)
	}
	b, err := InternString(ctx, db, "beta")
	if err != nil {
		t.Fatalf("InternString failed: %v", err)
	}

	values, err := GetStrings(ctx, db, a.Int64, b.Int64, a.Int64, 9999)
	if err != nil {
		t.Fatalf("GetStrings failed: %v", err)
	}

	if len(values) != 2 {
		t.Fatalf("Expected 2 values, got %d", len(values))
	}
	if values[a.Int64] != "alpha" || values[b.Int64] != "beta" {
		t.Errorf("Unexpected values: %v", values)
	}
	if _, ok := values[9999]; ok {
		t.Errorf("Unknown ID should be absent")
	}
}

func TestPlaceholders(t *testing.T) {
	if got := Placeholders(3); got != "?,?,?" {
		t.Errorf("Expected ?,?,? got %q", got)
	}
	if got := Placeholders(0); got != "" {
		t.Errorf("Expected empty string, got %q", got)
	}
}
