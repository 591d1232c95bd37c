// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package lifecycle

import (
	"context"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/services/autodownload"
	"github.com/autobrr/abr/internal/services/indexer"
	"github.com/autobrr/abr/internal/services/notifications"
	"github.com/autobrr/abr/internal/services/ranking"
)

var (
	searchableStates   = []models.RequestState{models.StateRequested, models.StateNoCandidates, models.StateRanked, models.StateFailed}
	selectableStates   = []models.RequestState{models.StateRanked, models.StateNoCandidates}
	cancellableStates  = []models.RequestState{models.StateRequested, models.StateSearching, models.StateNoCandidates}
	retryableStates    = []models.RequestState{models.StateFailed}
	requestedOnlyState = []models.RequestState{models.StateRequested}
)

// NewRequest is the input for Create.
type NewRequest struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Narrator    string `json:"narrator"`
	CatalogID   string `json:"catalogId"`
	RequestedBy string `json:"-"`
}

// RequestDetail is everything known about a single request.
type RequestDetail struct {
	Request    *models.Request           `json:"request"`
	Attempts   []*models.DownloadAttempt `json:"attempts"`
	Evaluation *Evaluation               `json:"evaluation,omitempty"`
	Activity   []ActivityEvent           `json:"activity"`
}

// Create stores a new request and starts its first search in the background.
func (m *Manager) Create(ctx context.Context, in NewRequest) (*models.Request, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.RequestedBy = strings.TrimSpace(in.RequestedBy)
	if in.Title == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "title is required")
	}
	if in.RequestedBy == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "requesting user is required")
	}

	role := m.role(ctx, in.RequestedBy)
	if !role.Can(domain.CapabilityRequest, nil) {
		return nil, &PolicyViolation{Actor: in.RequestedBy, Role: role, Action: "request"}
	}

	req, err := m.requests.Create(ctx, &models.Request{
		Title:       in.Title,
		Author:      in.Author,
		Narrator:    in.Narrator,
		CatalogID:   in.CatalogID,
		RequestedBy: in.RequestedBy,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	log.Info().Int64("requestID", req.ID).Str("title", req.Title).Str("user", req.RequestedBy).Msg("lifecycle: request created")
	m.recordActivity(req.ID, "", models.StateRequested, req.RequestedBy, "")
	m.notify(notifications.EventRequestCreated, req, "", nil)

	searching, gen, err := m.beginSearch(ctx, req.ID, systemActor, requestedOnlyState, nil)
	if err != nil {
		log.Warn().Err(err).Int64("requestID", req.ID).Msg("lifecycle: could not start search for new request")
		return req, nil
	}
	m.spawnEvaluation(req.ID, gen, false)
	return searching, nil
}

// Search runs a fresh evaluation synchronously. The requester or an admin may search;
// searching a failed request counts as a manual retry and needs the retry capability.
// Only admins may override the indexer query text with customQuery.
func (m *Manager) Search(ctx context.Context, id int64, actor, customQuery string) (*models.Request, error) {
	role := m.role(ctx, actor)
	customQuery = strings.TrimSpace(customQuery)
	if customQuery != "" && role != domain.RoleAdmin {
		return nil, &PolicyViolation{Actor: actor, Role: role, Action: "search", Reason: "custom query requires admin"}
	}
	check := func(req *models.Request) error {
		if !strings.EqualFold(req.RequestedBy, actor) && role != domain.RoleAdmin {
			return &PolicyViolation{Actor: actor, Role: role, Action: "search", Reason: "not the requesting user"}
		}
		if req.State == models.StateFailed && !role.Can(domain.CapabilityRetry, nil) {
			return &PolicyViolation{Actor: actor, Role: role, Action: "retry"}
		}
		return nil
	}
	return m.searchNow(ctx, id, actor, searchableStates, check, customQuery)
}

// Retry moves a failed request back to searching. The retry count is kept, so a manual
// retry never consumes an automatic slot.
func (m *Manager) Retry(ctx context.Context, id int64, actor string) (*models.Request, error) {
	role := m.role(ctx, actor)
	if !role.Can(domain.CapabilityRetry, nil) {
		return nil, &PolicyViolation{Actor: actor, Role: role, Action: "retry"}
	}
	return m.searchNow(ctx, id, actor, retryableStates, nil, "")
}

func (m *Manager) searchNow(ctx context.Context, id int64, actor string, from []models.RequestState, check func(*models.Request) error, customQuery string) (*models.Request, error) {
	_, gen, err := m.beginSearch(ctx, id, actor, from, check)
	if err != nil {
		return nil, err
	}
	req, err := m.evaluate(context.WithoutCancel(ctx), id, gen, true, customQuery)
	if errors.Is(err, ErrStaleState) && req != nil {
		// superseded by a concurrent action; report where the request ended up
		return req, nil
	}
	return req, err
}

// ManualSelect submits a candidate of the admin's choosing from the last evaluation.
// The auto-download policy is bypassed but the hard filters still apply.
func (m *Manager) ManualSelect(ctx context.Context, id int64, actor, guid string) (*models.Request, error) {
	role := m.role(ctx, actor)
	if !autodownload.CanManuallySelect(role) {
		return nil, &PolicyViolation{Actor: actor, Role: role, Action: "manual_select"}
	}
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "guid is required")
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	req, err := m.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(selectableStates, req.State) {
		return nil, staleState(req, "select a candidate for")
	}

	settings, err := m.settings.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load auto-download settings")
	}

	eval, ok := m.LastEvaluation(id)
	switch {
	case !ok:
		if eval, err = m.reevaluate(ctx, req, settings); err != nil {
			return nil, err
		}
	case eval.SettingsVersion != settings.Version:
		eval = m.rerank(req, eval, settings)
	}

	result := eval.result()
	if reason, filtered := result.Excluded(guid); filtered {
		return nil, &PolicyViolation{Actor: actor, Role: role, Action: "manual_select", Reason: "candidate excluded by filter " + string(reason)}
	}
	candidate, found := result.Find(guid)
	if !found {
		return nil, errors.Wrapf(ErrCandidateNotFound, "guid %q", guid)
	}

	log.Info().Int64("requestID", id).Str("actor", actor).Str("guid", guid).Msg("lifecycle: manual selection")
	return m.enterDownloading(ctx, req, candidate, false, actor)
}

// reevaluate rebuilds the candidate set when the cached evaluation has expired.
// The caller holds the request lock.
func (m *Manager) reevaluate(ctx context.Context, req *models.Request, settings domain.AutoDownloadSettings) (*Evaluation, error) {
	query := bookQuery(req, "")
	candidates, err := m.gateway.Search(ctx, query, indexer.SearchOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "search indexers")
	}

	result := ranking.Evaluate(m.rankingQuery(req), candidates, settings)
	eval := &Evaluation{
		RequestID:       req.ID,
		Query:           query.String(),
		SettingsVersion: settings.Version,
		EvaluatedAt:     m.currentTime(),
		Ranked:          result.Ranked,
		Filtered:        result.Filtered,
	}
	m.storeEvaluation(eval)
	return eval, nil
}

// rerank applies newer settings to the candidates of a cached evaluation without searching again.
// The caller holds the request lock.
func (m *Manager) rerank(req *models.Request, cached *Evaluation, settings domain.AutoDownloadSettings) *Evaluation {
	result := ranking.Evaluate(m.rankingQuery(req), cached.candidates(), settings)
	eval := &Evaluation{
		RequestID:       req.ID,
		Query:           cached.Query,
		SettingsVersion: settings.Version,
		EvaluatedAt:     m.currentTime(),
		Ranked:          result.Ranked,
		Filtered:        result.Filtered,
	}
	m.storeEvaluation(eval)

	log.Debug().
		Int64("requestID", req.ID).
		Int64("fromVersion", cached.SettingsVersion).
		Int64("toVersion", settings.Version).
		Msg("lifecycle: re-ranked cached candidates for new settings")
	return eval
}

// Reject ends any non-terminal request. An active download attempt is marked failed
// in the same transaction as the state change.
func (m *Manager) Reject(ctx context.Context, id int64, actor, reason string) (*models.Request, error) {
	role := m.role(ctx, actor)
	if !role.Can(domain.CapabilityReject, nil) {
		return nil, &PolicyViolation{Actor: actor, Role: role, Action: "reject"}
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	req, err := m.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State.Terminal() {
		return nil, staleState(req, "reject")
	}

	reason = strings.TrimSpace(reason)
	update := models.StateUpdate{
		State:         models.StateRejected,
		FailureReason: reason,
		RetryCount:    req.RetryCount,
	}

	var updated *models.Request
	if req.State == models.StateDownloading {
		updated, err = m.attempts.Abandon(ctx, id, ReasonRejected, update)
		if err != nil {
			return nil, mapStoreError(req, err, "reject")
		}
		m.observe(id, req.State, models.StateRejected, actor, reason)
	} else {
		updated, err = m.transition(ctx, req, update, actor, reason)
		if err != nil {
			return nil, err
		}
	}

	m.notify(notifications.EventRequestRejected, updated, reason, nil)
	return updated, nil
}

// Cancel withdraws a request that is not downloading. Results of an in-flight search
// are discarded when they arrive.
func (m *Manager) Cancel(ctx context.Context, id int64, actor string) (*models.Request, error) {
	role := m.role(ctx, actor)

	unlock := m.locks.Lock(id)
	defer unlock()

	req, err := m.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(req.RequestedBy, actor) && role != domain.RoleAdmin {
		return nil, &PolicyViolation{Actor: actor, Role: role, Action: "cancel", Reason: "not the requesting user"}
	}
	if !slices.Contains(cancellableStates, req.State) {
		return nil, staleState(req, "cancel")
	}

	updated, err := m.transition(ctx, req, models.StateUpdate{
		State:      models.StateCancelled,
		RetryCount: req.RetryCount,
	}, actor, "")
	if err != nil {
		return nil, err
	}

	m.notify(notifications.EventRequestCancelled, updated, "", nil)
	return updated, nil
}

// Delete removes a finished or failed request with its attempt history. Admin only.
func (m *Manager) Delete(ctx context.Context, id int64, actor string) error {
	role := m.role(ctx, actor)
	if role != domain.RoleAdmin {
		return &PolicyViolation{Actor: actor, Role: role, Action: "delete"}
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if err := m.requests.Delete(ctx, id); err != nil {
		return err
	}
	m.forget(id)

	m.historyMu.Lock()
	delete(m.history, id)
	m.historyMu.Unlock()
	return nil
}

// List returns stored requests matching the filter.
func (m *Manager) List(ctx context.Context, filter models.RequestFilter) ([]*models.Request, error) {
	return m.requests.List(ctx, filter)
}

// Detail returns a request with its attempts, the cached evaluation and recent activity.
func (m *Manager) Detail(ctx context.Context, id int64) (*RequestDetail, error) {
	req, err := m.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := m.attempts.ListByRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &RequestDetail{
		Request:  req,
		Attempts: attempts,
		Activity: m.GetActivity(id, 0),
	}
	if eval, ok := m.LastEvaluation(id); ok {
		detail.Evaluation = eval
	}
	return detail, nil
}
