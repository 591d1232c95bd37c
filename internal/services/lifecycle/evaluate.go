// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package lifecycle

import (
	"context"
	"errors"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/services/download"
	"github.com/autobrr/abr/internal/services/indexer"
	"github.com/autobrr/abr/internal/services/notifications"
	"github.com/autobrr/abr/internal/services/ranking"
)

func mapStoreError(req *models.Request, err error, action string) error {
	if errors.Is(err, models.ErrStateConflict) || errors.Is(err, models.ErrAttemptActive) {
		return staleState(req, action)
	}
	return err
}

// beginSearch moves the request into searching and returns a new evaluation generation.
// check runs under the request lock before the transition.
func (m *Manager) beginSearch(ctx context.Context, id int64, actor string, from []models.RequestState, check func(*models.Request) error) (*models.Request, uint64, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	req, err := m.requests.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if !slices.Contains(from, req.State) {
		return nil, 0, staleState(req, "search")
	}
	if check != nil {
		if err := check(req); err != nil {
			return nil, 0, err
		}
	}

	updated, err := m.transition(ctx, req, models.StateUpdate{
		State:      models.StateSearching,
		RetryCount: req.RetryCount,
	}, actor, "")
	if err != nil {
		return nil, 0, err
	}

	return updated, m.nextGeneration(id), nil
}

func (m *Manager) spawnEvaluation(id int64, gen uint64, force bool) {
	ctx := m.baseContext()
	m.spawn(func() {
		if _, err := m.evaluate(ctx, id, gen, force, ""); err != nil && !errors.Is(err, ErrStaleState) {
			log.Error().Err(err).Int64("requestID", id).Msg("lifecycle: evaluation failed")
		}
	})
}

// evaluate searches, ranks and applies the policy for a request in searching.
// A non-empty customQuery replaces the indexer query text; ranking still scores against the request.
// The gateway is called without holding the request lock; results are discarded
// if the request was cancelled, rejected or searched again meanwhile.
func (m *Manager) evaluate(ctx context.Context, id int64, gen uint64, force bool, customQuery string) (*models.Request, error) {
	req, err := m.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	settings, settingsErr := m.settings.Snapshot(ctx)
	role := m.role(ctx, req.RequestedBy)

	var (
		candidates []domain.Candidate
		searchErr  error
	)
	query := bookQuery(req, customQuery)
	started := m.currentTime()
	if settingsErr == nil {
		candidates, searchErr = m.gateway.Search(ctx, query, indexer.SearchOptions{Force: force})
	}
	elapsed := m.currentTime().Sub(started)

	unlock := m.locks.Lock(id)
	defer unlock()

	if !m.isCurrentGeneration(id, gen) {
		log.Debug().Int64("requestID", id).Msg("lifecycle: discarding results of superseded search")
		return m.requests.Get(ctx, id)
	}

	req, err = m.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State != models.StateSearching {
		log.Debug().Int64("requestID", id).Str("state", string(req.State)).Msg("lifecycle: discarding search results, request moved on")
		return req, staleState(req, "evaluate")
	}

	if settingsErr != nil {
		log.Error().Err(settingsErr).Int64("requestID", id).Msg("lifecycle: failed to load auto-download settings")
		return m.fail(ctx, req, ReasonSettingsUnavailable, true, systemActor)
	}

	if searchErr != nil {
		var gwErr *indexer.GatewayError
		kind := "unknown"
		if errors.As(searchErr, &gwErr) {
			kind = string(gwErr.Kind)
		}
		m.metrics.ObserveGatewayError(kind)
		log.Warn().Err(searchErr).Int64("requestID", id).Str("kind", kind).Msg("lifecycle: indexer search failed")
		return m.fail(ctx, req, ReasonSourceUnavailable, true, systemActor)
	}

	result := ranking.Evaluate(m.rankingQuery(req), candidates, settings)
	m.metrics.ObserveEvaluation(len(result.Ranked), elapsed.Seconds())

	eval := &Evaluation{
		RequestID:       id,
		Query:           query.String(),
		SettingsVersion: settings.Version,
		EvaluatedAt:     m.currentTime(),
		Ranked:          result.Ranked,
		Filtered:        result.Filtered,
	}

	if len(result.Ranked) == 0 {
		updated, err := m.transition(ctx, req, models.StateUpdate{
			State:      models.StateNoCandidates,
			RetryCount: req.RetryCount,
		}, systemActor, "")
		if err != nil {
			return nil, err
		}
		m.storeEvaluation(eval)
		m.notify(notifications.EventRequestNoCandidates, updated, "", nil)
		return updated, nil
	}

	ranked, err := m.transition(ctx, req, models.StateUpdate{
		State:      models.StateRanked,
		RetryCount: req.RetryCount,
	}, systemActor, "")
	if err != nil {
		return nil, err
	}

	decision := m.decide(ranked, result.Ranked, role, settings)
	eval.Decision = &decision
	m.storeEvaluation(eval)
	m.metrics.ObserveDecision(string(decision.Action), string(decision.Reason))

	log.Debug().
		Int64("requestID", id).
		Str("action", string(decision.Action)).
		Str("reason", string(decision.Reason)).
		Int64("settingsVersion", decision.SettingsVersion).
		Int("ranked", len(result.Ranked)).
		Int("filtered", len(result.Filtered)).
		Msg("lifecycle: auto-download decision")

	if !decision.Submit() {
		return ranked, nil
	}
	return m.enterDownloading(ctx, ranked, *decision.Candidate, true, systemActor)
}

// enterDownloading opens exactly one new attempt and submits the candidate.
// The caller holds the request lock.
func (m *Manager) enterDownloading(ctx context.Context, req *models.Request, candidate ranking.RankedCandidate, automatic bool, actor string) (*models.Request, error) {
	attempt, err := m.attempts.Open(ctx, models.NewAttempt(req.ID, candidate.Candidate, automatic),
		[]models.RequestState{req.State},
		models.StateUpdate{RetryCount: req.RetryCount})
	if err != nil {
		return nil, mapStoreError(req, err, "download")
	}
	m.observe(req.ID, req.State, models.StateDownloading, actor, candidate.GUID)

	downloading, err := m.requests.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	m.notify(notifications.EventRequestDownloading, downloading, "", &candidate.Candidate)

	handle, err := m.submitter.Submit(ctx, candidate.Candidate)
	if err != nil {
		se := download.AsSubmitError(err)
		reason := se.ReasonCode()

		log.Warn().
			Err(err).
			Int64("requestID", req.ID).
			Int64("attemptID", attempt.ID).
			Str("guid", candidate.GUID).
			Bool("permanent", se.Permanent).
			Msg("lifecycle: submit failed")

		if _, cerr := m.attempts.Close(ctx, attempt.ID, models.OutcomeFailed, reason, m.failureUpdate(downloading, reason, !se.Permanent)); cerr != nil {
			return nil, cerr
		}
		m.observe(req.ID, models.StateDownloading, models.StateFailed, actor, reason)

		failed, gerr := m.requests.Get(ctx, req.ID)
		if gerr != nil {
			return nil, gerr
		}
		m.notify(notifications.EventRequestFailed, failed, reason, &candidate.Candidate)
		return failed, nil
	}

	if err := m.attempts.SetHandle(ctx, attempt.ID, string(handle)); err != nil {
		log.Error().Err(err).Int64("attemptID", attempt.ID).Msg("lifecycle: failed to store tracking handle")
	}

	log.Info().
		Int64("requestID", req.ID).
		Int64("attemptID", attempt.ID).
		Str("guid", candidate.GUID).
		Str("release", candidate.Title).
		Bool("automatic", automatic).
		Msg("lifecycle: download submitted")

	return downloading, nil
}

// fail moves the request to failed, scheduling a retry when allowed.
// The caller holds the request lock.
func (m *Manager) fail(ctx context.Context, req *models.Request, reason string, retryable bool, actor string) (*models.Request, error) {
	updated, err := m.transition(ctx, req, m.failureUpdate(req, reason, retryable), actor, reason)
	if err != nil {
		return nil, err
	}
	m.notify(notifications.EventRequestFailed, updated, reason, nil)
	return updated, nil
}

