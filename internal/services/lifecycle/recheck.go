// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/services/download"
	"github.com/autobrr/abr/internal/services/notifications"
)

// ReportStatus records the outcome of the active download attempt. Pending is a no-op.
func (m *Manager) ReportStatus(ctx context.Context, id int64, status download.Status, reason string) (*models.Request, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	req, err := m.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State != models.StateDownloading {
		return nil, staleState(req, "report status for")
	}

	attempt, err := m.attempts.Active(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrAttemptNotFound) {
			return nil, staleState(req, "report status for")
		}
		return nil, err
	}
	release := &domain.Candidate{GUID: attempt.CandidateGUID, Title: attempt.CandidateTitle, Size: attempt.Size}

	switch status {
	case download.StatusPending:
		return req, nil

	case download.StatusSucceeded:
		if _, err := m.attempts.Close(ctx, attempt.ID, models.OutcomeSucceeded, "", models.StateUpdate{
			State:      models.StateCompleted,
			RetryCount: req.RetryCount,
		}); err != nil {
			return nil, mapStoreError(req, err, "complete")
		}
		m.observe(id, models.StateDownloading, models.StateCompleted, systemActor, "")

		completed, err := m.requests.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		log.Info().Int64("requestID", id).Int64("attemptID", attempt.ID).Msg("lifecycle: download completed")
		m.notify(notifications.EventRequestCompleted, completed, "", release)
		return completed, nil

	case download.StatusFailed:
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = ReasonDownloadFailed
		}
		if _, err := m.attempts.Close(ctx, attempt.ID, models.OutcomeFailed, reason, m.failureUpdate(req, reason, true)); err != nil {
			return nil, mapStoreError(req, err, "fail")
		}
		m.observe(id, models.StateDownloading, models.StateFailed, systemActor, reason)

		failed, err := m.requests.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		log.Warn().Int64("requestID", id).Int64("attemptID", attempt.ID).Str("reason", reason).Msg("lifecycle: download failed")
		m.notify(notifications.EventRequestFailed, failed, reason, release)
		return failed, nil
	}

	return nil, errors.New("unknown download status " + string(status))
}

// Recheck polls active downloads, times out stale attempts and starts due retries.
func (m *Manager) Recheck(ctx context.Context) {
	if m == nil {
		return
	}
	m.checkDownloads(ctx)
	m.runDueRetries(ctx)
}

func (m *Manager) checkDownloads(ctx context.Context) {
	active, err := m.attempts.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("lifecycle: failed to list active download attempts")
		return
	}

	timeout := m.config().DownloadTimeout
	now := m.currentTime()

	for _, attempt := range active {
		if ctx.Err() != nil {
			return
		}

		if now.Sub(attempt.SubmittedAt) > timeout {
			m.report(ctx, attempt, download.StatusFailed, ReasonDownloadTimeout)
			continue
		}
		if attempt.TrackingHandle == "" {
			continue
		}

		status, err := m.submitter.PollStatus(ctx, download.TrackingHandle(attempt.TrackingHandle))
		if err != nil {
			se := download.AsSubmitError(err)
			if se.Permanent {
				m.report(ctx, attempt, download.StatusFailed, se.ReasonCode())
				continue
			}
			log.Debug().Err(err).Int64("attemptID", attempt.ID).Msg("lifecycle: status poll failed, will retry")
			continue
		}
		if status != download.StatusPending {
			m.report(ctx, attempt, status, "")
		}
	}
}

func (m *Manager) report(ctx context.Context, attempt *models.DownloadAttempt, status download.Status, reason string) {
	if _, err := m.ReportStatus(ctx, attempt.RequestID, status, reason); err != nil && !errors.Is(err, ErrStaleState) {
		log.Error().Err(err).Int64("requestID", attempt.RequestID).Int64("attemptID", attempt.ID).Msg("lifecycle: failed to record download status")
	}
}

func (m *Manager) runDueRetries(ctx context.Context) {
	now := m.currentTime()
	due, err := m.requests.ListDueRetries(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("lifecycle: failed to list due retries")
		return
	}

	stillDue := func(req *models.Request) error {
		if req.NextRetryAt == nil || req.NextRetryAt.After(now) {
			return staleState(req, "retry")
		}
		return nil
	}

	for _, req := range due {
		_, gen, err := m.beginSearch(ctx, req.ID, systemActor, retryableStates, stillDue)
		if err != nil {
			log.Debug().Err(err).Int64("requestID", req.ID).Msg("lifecycle: skipping scheduled retry")
			continue
		}
		log.Info().Int64("requestID", req.ID).Int("retryCount", req.RetryCount).Msg("lifecycle: running scheduled retry")
		m.spawnEvaluation(req.ID, gen, true)
	}
}
