// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/autobrr/abr/internal/dbinterface"
	"github.com/autobrr/abr/internal/domain"
)

type User struct {
	Username  string      `json:"username"`
	Role      domain.Role `json:"role"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// UserStore is the role boundary. Users never seen before are untrusted.
type UserStore struct {
	db  dbinterface.Querier
	now func() time.Time
}

func NewUserStore(db dbinterface.Querier) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Role returns the stored role for username, or RoleUntrusted if none is stored.
func (s *UserStore) Role(ctx context.Context, username string) (domain.Role, error) {
	username = normalizeUsername(username)
	if username == "" {
		return domain.RoleUntrusted, nil
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE username = ?`, username).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RoleUntrusted, nil
		}
		return "", err
	}

	role := domain.Role(raw)
	if !role.Valid() {
		return domain.RoleUntrusted, nil
	}
	return role, nil
}

// SetRole creates or updates the user with the given role.
func (s *UserStore) SetRole(ctx context.Context, username string, role domain.Role) (*User, error) {
	username = normalizeUsername(username)
	if username == "" {
		return nil, errors.New("username cannot be empty")
	}
	if !role.Valid() {
		return nil, errors.New("invalid role: " + string(role))
	}

	now := s.now().UTC()
	const stmt = `INSERT INTO users (username, role, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(username) DO UPDATE SET
		role = excluded.role,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, stmt, username, role, now, now); err != nil {
		return nil, err
	}

	return s.Get(ctx, username)
}

func (s *UserStore) Get(ctx context.Context, username string) (*User, error) {
	var (
		user User
		role string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT username, role, created_at, updated_at FROM users WHERE username = ?`, normalizeUsername(username)).
		Scan(&user.Username, &role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	user.Role = domain.Role(role)
	return &user, nil
}

func (s *UserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, role, created_at, updated_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		var (
			user User
			role string
		)
		if err := rows.Scan(&user.Username, &role, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		user.Role = domain.Role(role)
		users = append(users, &user)
	}
	return users, rows.Err()
}
