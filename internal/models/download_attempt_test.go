// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/abr/internal/domain"
)

func TestAttemptOpenTransitionsRequest(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	requests := NewRequestStore(db)
	attempts := NewDownloadAttemptStore(db)

	req := createTestRequest(t, requests, "Dune")
	_, err := requests.Transition(ctx, req.ID, []RequestState{StateRequested}, StateUpdate{State: StateRanked})
	require.NoError(t, err)

	candidate := domain.Candidate{
		GUID:      "guid-1",
		Title:     "Frank Herbert - Dune [m4b]",
		Indexer:   "MyAnonamouse",
		IndexerID: 12,
		Protocol:  domain.ProtocolTorrent,
		Size:      800 << 20,
	}

	attempt, err := attempts.Open(ctx, NewAttempt(req.ID, candidate, true), []RequestState{StateRanked}, StateUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "MyAnonamouse", attempt.Indexer)
	assert.Equal(t, 12, attempt.IndexerID)
	assert.Equal(t, OutcomeUnknown, attempt.Outcome)
	assert.True(t, attempt.Automatic)
	assert.Nil(t, attempt.FinishedAt)

	got, err := requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, got.State)

	require.NoError(t, attempts.SetHandle(ctx, attempt.ID, "abc123"))
	active, err := attempts.Active(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", active.TrackingHandle)
}

func TestAttemptOpenRejectsWrongState(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	requests := NewRequestStore(db)
	attempts := NewDownloadAttemptStore(db)

	req := createTestRequest(t, requests, "Dune")
	_, err := attempts.Open(ctx, NewAttempt(req.ID, domain.Candidate{GUID: "g"}, false), []RequestState{StateRanked}, StateUpdate{})
	assert.ErrorIs(t, err, ErrStateConflict)

	list, err := attempts.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSingleActiveAttempt(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	requests := NewRequestStore(db)
	attempts := NewDownloadAttemptStore(db)

	req := createTestRequest(t, requests, "Dune")
	_, err := attempts.Open(ctx, NewAttempt(req.ID, domain.Candidate{GUID: "a"}, true), []RequestState{StateRequested}, StateUpdate{})
	require.NoError(t, err)

	// downloading is allowed as a source here only to reach the unique index
	_, err = attempts.Open(ctx, NewAttempt(req.ID, domain.Candidate{GUID: "b"}, true), []RequestState{StateDownloading}, StateUpdate{})
	assert.ErrorIs(t, err, ErrAttemptActive)

	list, err := attempts.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].CandidateGUID)

	got, err := requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, got.State)
}

func TestAttemptCloseFinishesAndTransitions(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	requests := NewRequestStore(db)
	attempts := NewDownloadAttemptStore(db)

	req := createTestRequest(t, requests, "Dune")
	attempt, err := attempts.Open(ctx, NewAttempt(req.ID, domain.Candidate{GUID: "a", Indexer: "IPT"}, false), []RequestState{StateRequested}, StateUpdate{})
	require.NoError(t, err)

	closed, err := attempts.Close(ctx, attempt.ID, OutcomeFailed, "submit_transient:timeout",
		StateUpdate{State: StateFailed, FailureReason: "submit_transient:timeout", RetryCount: 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, closed.Outcome)
	assert.Equal(t, "submit_transient:timeout", closed.ReasonCode)
	require.NotNil(t, closed.FinishedAt)

	got, err := requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 1, got.RetryCount)

	_, err = attempts.Active(ctx, req.ID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)

	_, err = attempts.Close(ctx, attempt.ID, OutcomeSucceeded, "", StateUpdate{State: StateCompleted})
	assert.ErrorIs(t, err, ErrAttemptNotFound)

	_, err = attempts.Close(ctx, attempt.ID, OutcomeUnknown, "", StateUpdate{State: StateCompleted})
	assert.Error(t, err)

	// a new attempt is allowed once the previous one finished
	_, err = requests.Transition(ctx, req.ID, []RequestState{StateFailed}, StateUpdate{State: StateRanked, RetryCount: 1})
	require.NoError(t, err)
	second, err := attempts.Open(ctx, NewAttempt(req.ID, domain.Candidate{GUID: "b", Indexer: "IPT"}, false), []RequestState{StateRanked}, StateUpdate{RetryCount: 1})
	require.NoError(t, err)

	list, err := attempts.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, "IPT", list[0].Indexer)
	assert.Equal(t, "IPT", list[1].Indexer)

	active, err := attempts.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
}

func TestAttemptAbandon(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	requests := NewRequestStore(db)
	attempts := NewDownloadAttemptStore(db)

	req := createTestRequest(t, requests, "Dune")
	_, err := attempts.Open(ctx, NewAttempt(req.ID, domain.Candidate{GUID: "a"}, false), []RequestState{StateRequested}, StateUpdate{})
	require.NoError(t, err)

	updated, err := attempts.Abandon(ctx, req.ID, "rejected", StateUpdate{State: StateRejected, FailureReason: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, StateRejected, updated.State)
	assert.Equal(t, "duplicate", updated.FailureReason)

	list, err := attempts.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, OutcomeFailed, list[0].Outcome)
	assert.Equal(t, "rejected", list[0].ReasonCode)
	assert.Empty(t, list[0].Indexer)
}

func TestAttemptAbandonRollsBackOnStateConflict(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	requests := NewRequestStore(db)
	attempts := NewDownloadAttemptStore(db)

	req := createTestRequest(t, requests, "Dune")
	attempt, err := attempts.Open(ctx, NewAttempt(req.ID, domain.Candidate{GUID: "a"}, false), []RequestState{StateRequested}, StateUpdate{})
	require.NoError(t, err)

	// request already moved on; the attempt must stay active
	_, err = requests.Transition(ctx, req.ID, []RequestState{StateDownloading}, StateUpdate{State: StateCompleted})
	require.NoError(t, err)

	_, err = attempts.Abandon(ctx, req.ID, "rejected", StateUpdate{State: StateRejected})
	require.ErrorIs(t, err, ErrStateConflict)

	active, err := attempts.Active(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, active.ID)
	assert.Equal(t, OutcomeUnknown, active.Outcome)

	current, err := requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, current.State)
}
