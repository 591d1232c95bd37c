// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/dbinterface"
	"github.com/autobrr/abr/internal/domain"
)

var (
	ErrAttemptNotFound = errors.New("download attempt not found")
	// ErrAttemptActive is returned when a request already has an unfinished attempt.
	ErrAttemptActive = errors.New("request already has an active download attempt")
)

type AttemptOutcome string

const (
	OutcomeUnknown   AttemptOutcome = "unknown"
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeFailed    AttemptOutcome = "failed"
)

// DownloadAttempt records one submission of a candidate. The attempt with outcome
// unknown is the request's active attempt; there is at most one.
type DownloadAttempt struct {
	ID             int64           `json:"id"`
	RequestID      int64           `json:"requestId"`
	CandidateGUID  string          `json:"candidateGuid"`
	CandidateTitle string          `json:"candidateTitle"`
	Indexer        string          `json:"indexer"`
	IndexerID      int             `json:"indexerId"`
	Protocol       domain.Protocol `json:"protocol"`
	Size           int64           `json:"size"`
	Automatic      bool            `json:"automatic"`
	SubmittedAt    time.Time       `json:"submittedAt"`
	TrackingHandle string          `json:"trackingHandle,omitempty"`
	Outcome        AttemptOutcome  `json:"outcome"`
	ReasonCode     string          `json:"reasonCode,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

// NewAttempt copies the identifying fields of the chosen candidate.
func NewAttempt(requestID int64, c domain.Candidate, automatic bool) *DownloadAttempt {
	return &DownloadAttempt{
		RequestID:      requestID,
		CandidateGUID:  c.GUID,
		CandidateTitle: c.Title,
		Indexer:        c.Indexer,
		IndexerID:      c.IndexerID,
		Protocol:       c.Protocol,
		Size:           c.Size,
		Automatic:      automatic,
		Outcome:        OutcomeUnknown,
	}
}

type DownloadAttemptStore struct {
	db  dbinterface.Querier
	now func() time.Time
}

func NewDownloadAttemptStore(db dbinterface.Querier) *DownloadAttemptStore {
	return &DownloadAttemptStore{db: db, now: time.Now}
}

const attemptColumns = `id, request_id, candidate_guid, candidate_title, indexer_string_id, indexer_id,
	protocol, size, automatic, submitted_at, tracking_handle, outcome, reason_code, finished_at`

// Open moves the request into downloading and records the new attempt in one transaction.
// The request must currently be in one of from.
func (s *DownloadAttemptStore) Open(ctx context.Context, attempt *DownloadAttempt, from []RequestState, update StateUpdate) (*DownloadAttempt, error) {
	if attempt == nil {
		return nil, errors.New("attempt cannot be nil")
	}
	if attempt.RequestID == 0 {
		return nil, errors.New("attempt request ID cannot be zero")
	}
	if strings.TrimSpace(attempt.CandidateGUID) == "" {
		return nil, errors.New("attempt candidate guid cannot be empty")
	}
	update.State = StateDownloading

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if err := transitionRequest(ctx, tx, attempt.RequestID, from, update, now); err != nil {
		return nil, err
	}

	indexerID, err := dbinterface.InternString(ctx, tx, attempt.Indexer)
	if err != nil {
		return nil, err
	}

	const stmt = `INSERT INTO download_attempts (request_id, candidate_guid, candidate_title, indexer_string_id,
		indexer_id, protocol, size, automatic, submitted_at, tracking_handle, outcome, reason_code, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL)`

	res, err := tx.ExecContext(ctx, stmt,
		attempt.RequestID,
		attempt.CandidateGUID,
		attempt.CandidateTitle,
		indexerID,
		attempt.IndexerID,
		attempt.Protocol,
		attempt.Size,
		boolToSQLite(attempt.Automatic),
		now,
		attempt.TrackingHandle,
		OutcomeUnknown,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAttemptActive
		}
		return nil, fmt.Errorf("insert download attempt: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Debug().
		Int64("requestID", attempt.RequestID).
		Int64("attemptID", id).
		Str("guid", attempt.CandidateGUID).
		Bool("automatic", attempt.Automatic).
		Msg("models: download attempt opened")

	return s.Get(ctx, id)
}

// SetHandle stores the submitter's tracking handle on an active attempt.
func (s *DownloadAttemptStore) SetHandle(ctx context.Context, id int64, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE download_attempts SET tracking_handle = ? WHERE id = ? AND outcome = ?`,
		handle, id, OutcomeUnknown)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// Close finishes the active attempt and transitions its request out of downloading
// in one transaction.
func (s *DownloadAttemptStore) Close(ctx context.Context, id int64, outcome AttemptOutcome, reason string, update StateUpdate) (*DownloadAttempt, error) {
	if outcome == OutcomeUnknown {
		return nil, errors.New("cannot close attempt with unknown outcome")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var requestID int64
	err = tx.QueryRowContext(ctx,
		`SELECT request_id FROM download_attempts WHERE id = ? AND outcome = ?`, id, OutcomeUnknown).Scan(&requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE download_attempts SET outcome = ?, reason_code = ?, finished_at = ? WHERE id = ?`,
		outcome, reason, now, id); err != nil {
		return nil, fmt.Errorf("finish download attempt: %w", err)
	}

	if err := transitionRequest(ctx, tx, requestID, []RequestState{StateDownloading}, update, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// Abandon marks the active attempt of a downloading request failed and applies update
// to the request in the same transaction. Used when a request leaves downloading through reject.
func (s *DownloadAttemptStore) Abandon(ctx context.Context, requestID int64, reason string, update StateUpdate) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE download_attempts SET outcome = ?, reason_code = ?, finished_at = ? WHERE request_id = ? AND outcome = ?`,
		OutcomeFailed, reason, now, requestID, OutcomeUnknown); err != nil {
		return nil, fmt.Errorf("abandon download attempt: %w", err)
	}

	if err := transitionRequest(ctx, tx, requestID, []RequestState{StateDownloading}, update, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return getRequest(ctx, s.db, requestID)
}

func (s *DownloadAttemptStore) Get(ctx context.Context, id int64) (*DownloadAttempt, error) {
	attempts, err := s.query(ctx, `SELECT `+attemptColumns+` FROM download_attempts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, ErrAttemptNotFound
	}
	return attempts[0], nil
}

// Active returns the unfinished attempt of a request, or ErrAttemptNotFound.
func (s *DownloadAttemptStore) Active(ctx context.Context, requestID int64) (*DownloadAttempt, error) {
	attempts, err := s.query(ctx,
		`SELECT `+attemptColumns+` FROM download_attempts WHERE request_id = ? AND outcome = ?`,
		requestID, OutcomeUnknown)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, ErrAttemptNotFound
	}
	return attempts[0], nil
}

// ListByRequest returns all attempts of a request, newest first.
func (s *DownloadAttemptStore) ListByRequest(ctx context.Context, requestID int64) ([]*DownloadAttempt, error) {
	return s.query(ctx,
		`SELECT `+attemptColumns+` FROM download_attempts WHERE request_id = ? ORDER BY id DESC`, requestID)
}

// ListActive returns every unfinished attempt, oldest first.
func (s *DownloadAttemptStore) ListActive(ctx context.Context) ([]*DownloadAttempt, error) {
	return s.query(ctx,
		`SELECT `+attemptColumns+` FROM download_attempts WHERE outcome = ? ORDER BY id`, OutcomeUnknown)
}

// query scans all rows before resolving interned indexer names; the pool has a single connection.
func (s *DownloadAttemptStore) query(ctx context.Context, query string, args ...any) ([]*DownloadAttempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	attempts := []*DownloadAttempt{}
	indexerRefs := make(map[*DownloadAttempt]int64)
	for rows.Next() {
		attempt, ref, err := scanAttempt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		attempts = append(attempts, attempt)
		if ref.Valid {
			indexerRefs[attempt] = ref.Int64
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(indexerRefs) == 0 {
		return attempts, nil
	}

	ids := make([]int64, 0, len(indexerRefs))
	for _, id := range indexerRefs {
		ids = append(ids, id)
	}
	names, err := dbinterface.GetStrings(ctx, s.db, ids...)
	if err != nil {
		return nil, err
	}
	for attempt, ref := range indexerRefs {
		attempt.Indexer = names[ref]
	}

	return attempts, nil
}

func scanAttempt(scanner interface {
	Scan(dest ...any) error
}) (*DownloadAttempt, sql.NullInt64, error) {
	var (
		attempt      DownloadAttempt
		indexerRef   sql.NullInt64
		protocol     string
		automaticInt int
		outcome      string
		finishedAt   sql.NullTime
	)

	if err := scanner.Scan(
		&attempt.ID,
		&attempt.RequestID,
		&attempt.CandidateGUID,
		&attempt.CandidateTitle,
		&indexerRef,
		&attempt.IndexerID,
		&protocol,
		&attempt.Size,
		&automaticInt,
		&attempt.SubmittedAt,
		&attempt.TrackingHandle,
		&outcome,
		&attempt.ReasonCode,
		&finishedAt,
	); err != nil {
		return nil, indexerRef, err
	}

	attempt.Protocol = domain.Protocol(protocol)
	attempt.Automatic = automaticInt == 1
	attempt.Outcome = AttemptOutcome(outcome)
	if finishedAt.Valid {
		t := finishedAt.Time
		attempt.FinishedAt = &t
	}

	return &attempt, indexerRef, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
