// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package autodownload decides whether a ranked search result is submitted without
// an admin in the loop.
package autodownload

import (
	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/services/ranking"
)

type Action string

const (
	ActionSubmit Action = "submit"
	ActionSkip   Action = "skip"
)

// SkipReason is recorded on the request when automation stands down.
type SkipReason string

const (
	SkipAutomationDisabled SkipReason = "automation_disabled"
	SkipRoleBelowMinimum   SkipReason = "role_below_minimum"
	SkipNoCandidates       SkipReason = "no_candidates"
)

// Decision is either a Skip with a reason or a Submit carrying the chosen candidate.
type Decision struct {
	RequestID       int64                    `json:"requestId"`
	Action          Action                   `json:"action"`
	Reason          SkipReason               `json:"reason,omitempty"`
	Candidate       *ranking.RankedCandidate `json:"candidate,omitempty"`
	SettingsVersion int64                    `json:"settingsVersion"`
}

func (d Decision) Submit() bool {
	return d.Action == ActionSubmit && d.Candidate != nil
}

// Decide applies the automation rules in order. It never looks past ranked[0].
func Decide(request *models.Request, ranked []ranking.RankedCandidate, role domain.Role, settings domain.AutoDownloadSettings) Decision {
	decision := Decision{SettingsVersion: settings.Version}
	if request != nil {
		decision.RequestID = request.ID
	}

	switch {
	case !settings.Enabled:
		return decision.skip(SkipAutomationDisabled)
	case !role.Can(domain.CapabilityAutoDownload, &settings):
		return decision.skip(SkipRoleBelowMinimum)
	case len(ranked) == 0:
		return decision.skip(SkipNoCandidates)
	}

	top := ranked[0]
	decision.Action = ActionSubmit
	decision.Candidate = &top
	return decision
}

func (d Decision) skip(reason SkipReason) Decision {
	d.Action = ActionSkip
	d.Reason = reason
	return d
}

// CanManuallySelect reports whether role may pick a candidate by hand.
func CanManuallySelect(role domain.Role) bool {
	return role.Can(domain.CapabilityManualSelect, nil)
}
