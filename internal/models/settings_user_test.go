// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/abr/internal/domain"
)

func TestAutoDownloadSettingsDefaults(t *testing.T) {
	store := NewAutoDownloadSettingsStore(setupTestDB(t))

	snapshot, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snapshot.Version)
	assert.False(t, snapshot.Enabled)
	assert.Equal(t, domain.RoleTrusted, snapshot.MinimumRole)
	assert.Equal(t, domain.DefaultFreeleechBonus, snapshot.FlagWeights["freeleech"])
}

func TestAutoDownloadSettingsReplaceBumpsVersion(t *testing.T) {
	ctx := context.Background()
	store := NewAutoDownloadSettingsStore(setupTestDB(t))

	settings := domain.DefaultAutoDownloadSettings()
	settings.Enabled = true
	settings.FlagWeights = map[string]float64{"FreeLeech": 10}
	settings.ExcludePattern = "  epub  "
	settings.IndexerWeights = map[int]float64{3: 2.5}

	first, err := store.Replace(ctx, settings)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, 10.0, first.FlagWeights["freeleech"])
	assert.Equal(t, "epub", first.ExcludePattern)

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Version)
	assert.True(t, snapshot.Enabled)
	assert.Equal(t, map[int]float64{3: 2.5}, snapshot.IndexerWeights)
	assert.False(t, snapshot.UpdatedAt.IsZero())

	snapshot.SeederWeight = 9
	second, err := store.Replace(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, 9.0, second.SeederWeight)

	_, err = store.Replace(ctx, first)
	assert.ErrorIs(t, err, ErrSettingsVersionConflict)
}

func TestAutoDownloadSnapshotIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewAutoDownloadSettingsStore(setupTestDB(t))

	_, err := store.Replace(ctx, domain.DefaultAutoDownloadSettings())
	require.NoError(t, err)

	a, err := store.Snapshot(ctx)
	require.NoError(t, err)
	a.FlagWeights["freeleech"] = 99

	b, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultFreeleechBonus, b.FlagWeights["freeleech"])
}

func TestUserRoles(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(setupTestDB(t))

	role, err := store.Role(ctx, "stranger")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUntrusted, role)

	role, err = store.Role(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUntrusted, role)

	user, err := store.SetRole(ctx, " Alice ", domain.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	role, err = store.Role(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, role)

	_, err = store.SetRole(ctx, "alice", domain.RoleTrusted)
	require.NoError(t, err)
	role, err = store.Role(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleTrusted, role)

	_, err = store.SetRole(ctx, "bob", domain.Role("owner"))
	assert.Error(t, err)

	users, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestNotificationTargetStore(t *testing.T) {
	ctx := context.Background()
	store := NewNotificationTargetStore(setupTestDB(t))

	created, err := store.Create(ctx, &NotificationTarget{
		Name:    "ntfy",
		Kind:    "NTFY",
		URL:     "ntfy.example.com/audiobooks",
		Token:   "secret",
		Events:  []string{"request_completed", "REQUEST_COMPLETED", "request_failed"},
		Headers: map[string]string{"X-Priority": "4"},
		Enabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ntfy", created.Kind)
	assert.Equal(t, "http://ntfy.example.com/audiobooks", created.URL)
	assert.Equal(t, []string{"request_completed", "request_failed"}, created.Events)
	assert.Equal(t, "4", created.Headers["X-Priority"])

	_, err = store.Create(ctx, &NotificationTarget{Name: "muted", Kind: "webhook", URL: "https://hooks.example.com", Enabled: false})
	require.NoError(t, err)
	_, err = store.Create(ctx, &NotificationTarget{Name: "all", Kind: "webhook", URL: "https://all.example.com", Enabled: true})
	require.NoError(t, err)

	completed, err := store.ListForEvent(ctx, "request_completed")
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	onCreate, err := store.ListForEvent(ctx, "request_created")
	require.NoError(t, err)
	require.Len(t, onCreate, 1)
	assert.Equal(t, "all", onCreate[0].Name)

	created.Token = ""
	created.Name = "renamed"
	updated, err := store.Update(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "secret", updated.Token)

	payload, err := json.Marshal(updated)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "secret")
	assert.Contains(t, string(payload), domain.RedactedStr)

	require.NoError(t, store.Delete(ctx, created.ID))
	assert.ErrorIs(t, store.Delete(ctx, created.ID), ErrNotificationTargetNotFound)
	_, err = store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotificationTargetNotFound)
}

func TestNotificationTargetValidation(t *testing.T) {
	store := NewNotificationTargetStore(setupTestDB(t))
	ctx := context.Background()

	for _, target := range []*NotificationTarget{
		{Name: "", Kind: "webhook", URL: "http://x"},
		{Name: "a", Kind: "", URL: "http://x"},
		{Name: "a", Kind: "webhook", URL: ""},
		{Name: "a", Kind: "webhook", URL: "ftp://x"},
	} {
		_, err := store.Create(ctx, target)
		assert.Error(t, err, target)
	}
}
