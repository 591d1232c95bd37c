// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLITE_MAX_VARIABLE_NUMBER defaults to 999
const maxParams = 900

// InternString stores value in string_pool if needed and returns its ID.
// Empty values are stored as NULL references.
func InternString(ctx context.Context, tx TxQuerier, value string) (sql.NullInt64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullInt64{}, nil
	}

	// INSERT OR IGNORE then SELECT avoids RETURNING on the hot path
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO string_pool (value) VALUES (?)", value); err != nil {
		return sql.NullInt64{}, fmt.Errorf("failed to intern %q: %w", value, err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM string_pool WHERE value = ?", value).Scan(&id); err != nil {
		return sql.NullInt64{}, fmt.Errorf("failed to get ID for interned string %q: %w", value, err)
	}

	return sql.NullInt64{Int64: id, Valid: true}, nil
}

// GetStrings resolves string_pool IDs to their values. Unknown IDs are absent from the result.
func GetStrings(ctx context.Context, tx TxQuerier, ids ...int64) (map[int64]string, error) {
	result := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	unique := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	for i := 0; i < len(unique); i += maxParams {
		end := min(i+maxParams, len(unique))
		chunk := unique[i:end]

		args := make([]any, len(chunk))
		for j, id := range chunk {
			args[j] = id
		}

		query := "SELECT id, value FROM string_pool WHERE id IN (" + Placeholders(len(chunk)) + ")"
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query string pool: %w", err)
		}

		for rows.Next() {
			var id int64
			var value string
			if err := rows.Scan(&id, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan string pool row: %w", err)
			}
			result[id] = value
		}

		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating string pool rows: %w", err)
		}
		rows.Close()
	}

	return result, nil
}

// Placeholders returns n comma-separated bind markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(n * 2)
	for i := range n {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('?')
	}
	return sb.String()
}
