// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/autobrr/abr/internal/dbinterface"
)

var (
	ErrRequestNotFound = errors.New("request not found")
	// ErrStateConflict is returned when a conditional transition finds the request in another state.
	ErrStateConflict = errors.New("request state changed")
	ErrRequestActive = errors.New("request is still active")
)

type RequestState string

const (
	StateRequested    RequestState = "requested"
	StateSearching    RequestState = "searching"
	StateRanked       RequestState = "ranked"
	StateNoCandidates RequestState = "no_candidates"
	StateDownloading  RequestState = "downloading"
	StateCompleted    RequestState = "completed"
	StateFailed       RequestState = "failed"
	StateRejected     RequestState = "rejected"
	StateCancelled    RequestState = "cancelled"
)

// Terminal reports whether no further transition can leave the state.
// Failed is not terminal: it rests until a retry.
func (s RequestState) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateCancelled:
		return true
	}
	return false
}

// Deletable reports whether a request in this state may be removed.
func (s RequestState) Deletable() bool {
	return s.Terminal() || s == StateFailed
}

func (s RequestState) Valid() bool {
	switch s {
	case StateRequested, StateSearching, StateRanked, StateNoCandidates, StateDownloading,
		StateCompleted, StateFailed, StateRejected, StateCancelled:
		return true
	}
	return false
}

// NonTerminalStates lists every state a request can still move out of.
var NonTerminalStates = []RequestState{
	StateRequested, StateSearching, StateRanked, StateNoCandidates, StateDownloading, StateFailed,
}

type Request struct {
	ID            int64        `json:"id"`
	Title         string       `json:"title"`
	Author        string       `json:"author"`
	Narrator      string       `json:"narrator"`
	CatalogID     string       `json:"catalogId"`
	RequestedBy   string       `json:"requestedBy"`
	RequestedAt   time.Time    `json:"requestedAt"`
	State         RequestState `json:"state"`
	FailureReason string       `json:"failureReason,omitempty"`
	RetryCount    int          `json:"retryCount"`
	NextRetryAt   *time.Time   `json:"nextRetryAt,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// StateUpdate is the full set of lifecycle columns written by a transition.
// A nil NextRetryAt clears any scheduled retry.
type StateUpdate struct {
	State         RequestState
	FailureReason string
	RetryCount    int
	NextRetryAt   *time.Time
}

// RequestFilter narrows List. Zero values match everything.
type RequestFilter struct {
	States      []RequestState
	RequestedBy string
	Limit       int
}

type RequestStore struct {
	db  dbinterface.Querier
	now func() time.Time
}

func NewRequestStore(db dbinterface.Querier) *RequestStore {
	return &RequestStore{db: db, now: time.Now}
}

const requestColumns = `id, title, author, narrator, catalog_id, requested_by, requested_at,
	state, failure_reason, retry_count, next_retry_at, updated_at`

// Create inserts a new request in StateRequested.
func (s *RequestStore) Create(ctx context.Context, req *Request) (*Request, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errors.New("title cannot be empty")
	}
	requestedBy := strings.TrimSpace(req.RequestedBy)
	if requestedBy == "" {
		return nil, errors.New("requestedBy cannot be empty")
	}

	now := s.now().UTC()
	const stmt = `INSERT INTO requests (title, author, narrator, catalog_id, requested_by, requested_at,
		state, failure_reason, retry_count, next_retry_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, NULL, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		title,
		strings.TrimSpace(req.Author),
		strings.TrimSpace(req.Narrator),
		strings.TrimSpace(req.CatalogID),
		requestedBy,
		now,
		StateRequested,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

func (s *RequestStore) Get(ctx context.Context, id int64) (*Request, error) {
	return getRequest(ctx, s.db, id)
}

func getRequest(ctx context.Context, q dbinterface.TxQuerier, id int64) (*Request, error) {
	row := q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// List returns requests newest first.
func (s *RequestStore) List(ctx context.Context, filter RequestFilter) ([]*Request, error) {
	var (
		where []string
		args  []any
	)

	if len(filter.States) > 0 {
		where = append(where, "state IN ("+dbinterface.Placeholders(len(filter.States))+")")
		for _, state := range filter.States {
			args = append(args, state)
		}
	}
	if filter.RequestedBy != "" {
		where = append(where, "requested_by = ?")
		args = append(args, filter.RequestedBy)
	}

	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}

	return result, rows.Err()
}

// ListByState returns every request currently in one of the states, oldest first.
func (s *RequestStore) ListByState(ctx context.Context, states ...RequestState) ([]*Request, error) {
	if len(states) == 0 {
		return []*Request{}, nil
	}
	reqs, err := s.List(ctx, RequestFilter{States: states})
	if err != nil {
		return nil, err
	}
	slices.Reverse(reqs)
	return reqs, nil
}

// ListDueRetries returns failed requests whose scheduled retry time has passed.
func (s *RequestStore) ListDueRetries(ctx context.Context, now time.Time) ([]*Request, error) {
	failed, err := s.ListByState(ctx, StateFailed)
	if err != nil {
		return nil, err
	}

	due := make([]*Request, 0, len(failed))
	for _, req := range failed {
		if req.NextRetryAt != nil && !req.NextRetryAt.After(now) {
			due = append(due, req)
		}
	}
	return due, nil
}

// Transition writes update only if the request is currently in one of from.
// It returns ErrStateConflict when the state no longer matches.
func (s *RequestStore) Transition(ctx context.Context, id int64, from []RequestState, update StateUpdate) (*Request, error) {
	if err := transitionRequest(ctx, s.db, id, from, update, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func transitionRequest(ctx context.Context, q dbinterface.TxQuerier, id int64, from []RequestState, update StateUpdate, now time.Time) error {
	if !update.State.Valid() {
		return fmt.Errorf("invalid state %q", update.State)
	}
	if len(from) == 0 {
		return errors.New("transition requires at least one source state")
	}

	var nextRetry any
	if update.NextRetryAt != nil {
		nextRetry = update.NextRetryAt.UTC()
	}

	args := []any{update.State, update.FailureReason, update.RetryCount, nextRetry, now, id}
	for _, state := range from {
		args = append(args, state)
	}

	stmt := `UPDATE requests SET state = ?, failure_reason = ?, retry_count = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND state IN (` + dbinterface.Placeholders(len(from)) + `)`

	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update request state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := getRequest(ctx, q, id); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

// Delete removes a request that can no longer change. Attempts cascade.
func (s *RequestStore) Delete(ctx context.Context, id int64) error {
	req, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !req.State.Deletable() {
		return ErrRequestActive
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE id = ? AND state = ?`, id, req.State)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStateConflict
	}
	return nil
}

func scanRequest(scanner interface {
	Scan(dest ...any) error
}) (*Request, error) {
	var (
		req         Request
		state       string
		nextRetryAt sql.NullTime
	)

	if err := scanner.Scan(
		&req.ID,
		&req.Title,
		&req.Author,
		&req.Narrator,
		&req.CatalogID,
		&req.RequestedBy,
		&req.RequestedAt,
		&state,
		&req.FailureReason,
		&req.RetryCount,
		&nextRetryAt,
		&req.UpdatedAt,
	); err != nil {
		return nil, err
	}

	req.State = RequestState(state)
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		req.NextRetryAt = &t
	}

	return &req, nil
}
