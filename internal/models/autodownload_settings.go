// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/dbinterface"
	"github.com/autobrr/abr/internal/domain"
)

// ErrSettingsVersionConflict is returned when a replace was based on an outdated snapshot.
var ErrSettingsVersionConflict = errors.New("auto-download settings were changed concurrently")

// AutoDownloadSettingsStore persists the single settings row. Every write replaces the
// whole record and bumps its version, so readers only ever see complete snapshots.
type AutoDownloadSettingsStore struct {
	db  dbinterface.Querier
	now func() time.Time
}

func NewAutoDownloadSettingsStore(db dbinterface.Querier) *AutoDownloadSettingsStore {
	return &AutoDownloadSettingsStore{db: db, now: time.Now}
}

// Snapshot returns an immutable copy of the current settings, or the defaults at version 0.
func (s *AutoDownloadSettingsStore) Snapshot(ctx context.Context) (domain.AutoDownloadSettings, error) {
	return s.snapshot(ctx, s.db)
}

func (s *AutoDownloadSettingsStore) snapshot(ctx context.Context, q dbinterface.TxQuerier) (domain.AutoDownloadSettings, error) {
	var (
		version   int64
		raw       string
		updatedAt sql.NullTime
	)

	err := q.QueryRowContext(ctx,
		`SELECT version, settings_json, updated_at FROM autodownload_settings WHERE id = 1`).
		Scan(&version, &raw, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DefaultAutoDownloadSettings(), nil
		}
		return domain.AutoDownloadSettings{}, err
	}

	settings := domain.DefaultAutoDownloadSettings()
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return domain.AutoDownloadSettings{}, fmt.Errorf("decode auto-download settings: %w", err)
	}

	settings.Version = version
	if updatedAt.Valid {
		settings.UpdatedAt = updatedAt.Time
	}

	return settings.Normalize(), nil
}

// Replace stores settings as the new snapshot. A non-zero settings.Version must match
// the stored version, otherwise ErrSettingsVersionConflict is returned.
func (s *AutoDownloadSettingsStore) Replace(ctx context.Context, settings domain.AutoDownloadSettings) (domain.AutoDownloadSettings, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutoDownloadSettings{}, err
	}
	defer tx.Rollback()

	current, err := s.snapshot(ctx, tx)
	if err != nil {
		return domain.AutoDownloadSettings{}, err
	}
	if settings.Version != 0 && settings.Version != current.Version {
		return domain.AutoDownloadSettings{}, ErrSettingsVersionConflict
	}

	next := settings.Normalize()
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()

	payload, err := json.Marshal(next)
	if err != nil {
		return domain.AutoDownloadSettings{}, err
	}

	const stmt = `INSERT INTO autodownload_settings (id, version, settings_json, updated_at)
	VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		version = excluded.version,
		settings_json = excluded.settings_json,
		updated_at = excluded.updated_at`

	if _, err := tx.ExecContext(ctx, stmt, next.Version, string(payload), next.UpdatedAt); err != nil {
		return domain.AutoDownloadSettings{}, fmt.Errorf("store auto-download settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.AutoDownloadSettings{}, err
	}

	log.Info().
		Int64("version", next.Version).
		Bool("enabled", next.Enabled).
		Str("minimumRole", string(next.MinimumRole)).
		Msg("models: auto-download settings replaced")

	return next.Clone(), nil
}
