// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package autodownload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/services/ranking"
)

func rankedList(guids ...string) []ranking.RankedCandidate {
	out := make([]ranking.RankedCandidate, 0, len(guids))
	for i, guid := range guids {
		out = append(out, ranking.RankedCandidate{
			Candidate: domain.Candidate{GUID: guid, Title: guid, Protocol: domain.ProtocolTorrent},
			Score:     float64(len(guids) - i),
		})
	}
	return out
}

func TestDecide(t *testing.T) {
	enabled := domain.DefaultAutoDownloadSettings()
	enabled.Enabled = true
	enabled.Version = 7

	disabled := domain.DefaultAutoDownloadSettings()

	adminOnly := enabled.Clone()
	adminOnly.MinimumRole = domain.RoleAdmin

	tests := []struct {
		name     string
		ranked   []ranking.RankedCandidate
		role     domain.Role
		settings domain.AutoDownloadSettings
		action   Action
		reason   SkipReason
		guid     string
	}{
		{name: "disabled", ranked: rankedList("a"), role: domain.RoleAdmin, settings: disabled, action: ActionSkip, reason: SkipAutomationDisabled},
		{name: "disabled_wins_over_empty", role: domain.RoleUntrusted, settings: disabled, action: ActionSkip, reason: SkipAutomationDisabled},
		{name: "untrusted_below_trusted", ranked: rankedList("a"), role: domain.RoleUntrusted, settings: enabled, action: ActionSkip, reason: SkipRoleBelowMinimum},
		{name: "unknown_role", ranked: rankedList("a"), role: domain.Role("guest"), settings: enabled, action: ActionSkip, reason: SkipRoleBelowMinimum},
		{name: "trusted_below_admin", ranked: rankedList("a"), role: domain.RoleTrusted, settings: adminOnly, action: ActionSkip, reason: SkipRoleBelowMinimum},
		{name: "role_checked_before_empty", role: domain.RoleUntrusted, settings: enabled, action: ActionSkip, reason: SkipRoleBelowMinimum},
		{name: "no_candidates", ranked: []ranking.RankedCandidate{}, role: domain.RoleTrusted, settings: enabled, action: ActionSkip, reason: SkipNoCandidates},
		{name: "trusted_submits_top", ranked: rankedList("top", "second"), role: domain.RoleTrusted, settings: enabled, action: ActionSubmit, guid: "top"},
		{name: "admin_submits_top", ranked: rankedList("top"), role: domain.RoleAdmin, settings: adminOnly, action: ActionSubmit, guid: "top"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Decide(&models.Request{ID: 42}, tt.ranked, tt.role, tt.settings)

			assert.Equal(t, tt.action, decision.Action)
			assert.Equal(t, tt.reason, decision.Reason)
			assert.Equal(t, int64(42), decision.RequestID)
			assert.Equal(t, tt.settings.Version, decision.SettingsVersion)

			if tt.action == ActionSubmit {
				require.True(t, decision.Submit())
				assert.Equal(t, tt.guid, decision.Candidate.GUID)
			} else {
				assert.False(t, decision.Submit())
				assert.Nil(t, decision.Candidate)
			}
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	settings := domain.DefaultAutoDownloadSettings()
	settings.Enabled = true
	ranked := rankedList("a", "b")

	first := Decide(nil, ranked, domain.RoleTrusted, settings)
	second := Decide(nil, ranked, domain.RoleTrusted, settings)
	assert.Equal(t, first, second)

	first.Candidate.Title = "mutated"
	assert.Equal(t, "a", ranked[0].Title)
}

func TestFreeleechScenarioEndToEnd(t *testing.T) {
	settings := domain.DefaultAutoDownloadSettings()
	settings.Enabled = true
	settings.FlagWeights = map[string]float64{"freeleech": 10}

	candidates := []domain.Candidate{
		{GUID: "A", Title: "Book", Seeders: 10, Size: 500 << 20, Protocol: domain.ProtocolTorrent, Flags: []string{"freeleech"}},
		{GUID: "B", Title: "Book", Seeders: 5000, Size: 500 << 20, Protocol: domain.ProtocolTorrent},
	}

	decision := Decide(&models.Request{ID: 1}, ranking.Rank(candidates, settings), domain.RoleTrusted, settings)
	require.True(t, decision.Submit())
	assert.Equal(t, "A", decision.Candidate.GUID)
}

func TestCanManuallySelect(t *testing.T) {
	assert.True(t, CanManuallySelect(domain.RoleAdmin))
	assert.False(t, CanManuallySelect(domain.RoleTrusted))
	assert.False(t, CanManuallySelect(domain.RoleUntrusted))
	assert.False(t, CanManuallySelect(domain.Role("")))
}
