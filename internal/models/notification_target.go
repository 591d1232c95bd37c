// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/autobrr/abr/internal/dbinterface"
	"github.com/autobrr/abr/internal/domain"
)

var ErrNotificationTargetNotFound = errors.New("notification target not found")

// NotificationTarget is an outbound endpoint subscribed to lifecycle events.
// Kind selects the payload builder; the store does not interpret it.
type NotificationTarget struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	Kind          string            `json:"kind"`
	URL           string            `json:"url"`
	Token         string            `json:"-"`
	Events        []string          `json:"events"`
	Headers       map[string]string `json:"headers"`
	TitleTemplate string            `json:"titleTemplate"`
	BodyTemplate  string            `json:"bodyTemplate"`
	Enabled       bool              `json:"enabled"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func (t NotificationTarget) MarshalJSON() ([]byte, error) {
	type alias NotificationTarget
	return json.Marshal(&struct {
		alias
		Token string `json:"token,omitempty"`
	}{
		alias: alias(t),
		Token: domain.RedactString(t.Token),
	})
}

// Subscribed reports whether the target wants the event. An empty list subscribes to all.
func (t NotificationTarget) Subscribed(event string) bool {
	if len(t.Events) == 0 {
		return true
	}
	return slices.ContainsFunc(t.Events, func(e string) bool {
		return strings.EqualFold(e, event)
	})
}

type NotificationTargetStore struct {
	db  dbinterface.Querier
	now func() time.Time
}

func NewNotificationTargetStore(db dbinterface.Querier) *NotificationTargetStore {
	return &NotificationTargetStore{db: db, now: time.Now}
}

const notificationTargetColumns = `id, name, kind, url, token, events_json, headers_json,
	title_template, body_template, enabled, created_at, updated_at`

// validateTargetURL validates and normalizes an outbound notification URL.
func validateTargetURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url cannot be empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return u.String(), nil
}

func sanitizeTarget(t *NotificationTarget) (*NotificationTarget, error) {
	clone := *t
	clone.Name = strings.TrimSpace(clone.Name)
	if clone.Name == "" {
		return nil, errors.New("name cannot be empty")
	}
	clone.Kind = strings.ToLower(strings.TrimSpace(clone.Kind))
	if clone.Kind == "" {
		return nil, errors.New("kind cannot be empty")
	}

	normalized, err := validateTargetURL(clone.URL)
	if err != nil {
		return nil, err
	}
	clone.URL = normalized
	clone.Token = strings.TrimSpace(clone.Token)
	clone.Events = sanitizeStringSlice(clone.Events)
	if clone.Headers == nil {
		clone.Headers = map[string]string{}
	}
	return &clone, nil
}

func (s *NotificationTargetStore) Create(ctx context.Context, target *NotificationTarget) (*NotificationTarget, error) {
	if target == nil {
		return nil, errors.New("target cannot be nil")
	}
	t, err := sanitizeTarget(target)
	if err != nil {
		return nil, err
	}

	eventsJSON, err := encodeJSON(t.Events, "[]")
	if err != nil {
		return nil, err
	}
	headersJSON, err := encodeJSON(t.Headers, "{}")
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	const stmt = `INSERT INTO notification_targets (name, kind, url, token, events_json, headers_json,
		title_template, body_template, enabled, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		t.Name, t.Kind, t.URL, t.Token, eventsJSON, headersJSON,
		t.TitleTemplate, t.BodyTemplate, boolToSQLite(t.Enabled), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert notification target: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Update replaces a target. An empty token keeps the stored one.
func (s *NotificationTargetStore) Update(ctx context.Context, target *NotificationTarget) (*NotificationTarget, error) {
	if target == nil {
		return nil, errors.New("target cannot be nil")
	}
	existing, err := s.Get(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	t, err := sanitizeTarget(target)
	if err != nil {
		return nil, err
	}
	if t.Token == "" || t.Token == domain.RedactedStr {
		t.Token = existing.Token
	}

	eventsJSON, err := encodeJSON(t.Events, "[]")
	if err != nil {
		return nil, err
	}
	headersJSON, err := encodeJSON(t.Headers, "{}")
	if err != nil {
		return nil, err
	}

	const stmt = `UPDATE notification_targets SET name = ?, kind = ?, url = ?, token = ?, events_json = ?,
		headers_json = ?, title_template = ?, body_template = ?, enabled = ?, updated_at = ?
	WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, stmt,
		t.Name, t.Kind, t.URL, t.Token, eventsJSON, headersJSON,
		t.TitleTemplate, t.BodyTemplate, boolToSQLite(t.Enabled), s.now().UTC(), t.ID); err != nil {
		return nil, err
	}
	return s.Get(ctx, t.ID)
}

func (s *NotificationTargetStore) Get(ctx context.Context, id int64) (*NotificationTarget, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationTargetColumns+` FROM notification_targets WHERE id = ?`, id)
	t, err := scanNotificationTarget(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationTargetNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *NotificationTargetStore) List(ctx context.Context) ([]*NotificationTarget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+notificationTargetColumns+` FROM notification_targets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := []*NotificationTarget{}
	for rows.Next() {
		t, err := scanNotificationTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ListForEvent returns enabled targets subscribed to event.
func (s *NotificationTargetStore) ListForEvent(ctx context.Context, event string) ([]*NotificationTarget, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*NotificationTarget, 0, len(all))
	for _, t := range all {
		if t.Enabled && t.Subscribed(event) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *NotificationTargetStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_targets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotificationTargetNotFound
	}
	return nil
}

func scanNotificationTarget(scanner interface {
	Scan(dest ...any) error
}) (*NotificationTarget, error) {
	var (
		t           NotificationTarget
		eventsJSON  sql.NullString
		headersJSON sql.NullString
		enabledInt  int
	)

	if err := scanner.Scan(
		&t.ID,
		&t.Name,
		&t.Kind,
		&t.URL,
		&t.Token,
		&eventsJSON,
		&headersJSON,
		&t.TitleTemplate,
		&t.BodyTemplate,
		&enabledInt,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	events, err := decodeStringSliceJSON(eventsJSON)
	if err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	headers, err := decodeStringMapJSON(headersJSON)
	if err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}

	t.Events = events
	t.Headers = headers
	t.Enabled = enabledInt == 1
	return &t, nil
}
