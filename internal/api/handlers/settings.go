// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/services/ranking"
)

type SettingsStore interface {
	Snapshot(ctx context.Context) (domain.AutoDownloadSettings, error)
	Replace(ctx context.Context, settings domain.AutoDownloadSettings) (domain.AutoDownloadSettings, error)
}

type AutoDownloadSettingsHandler struct {
	store SettingsStore
}

func NewAutoDownloadSettingsHandler(store SettingsStore) *AutoDownloadSettingsHandler {
	return &AutoDownloadSettingsHandler{store: store}
}

func (h *AutoDownloadSettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.Snapshot(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("api: failed to load auto-download settings")
		RespondError(w, http.StatusInternalServerError, "Failed to load auto-download settings")
		return
	}

	RespondJSON(w, http.StatusOK, settings)
}

// Update replaces the whole settings record. A non-zero version must match the stored one.
func (h *AutoDownloadSettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var settings domain.AutoDownloadSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := ranking.ValidateSettings(settings); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.store.Replace(r.Context(), settings)
	if err != nil {
		if errors.Is(err, models.ErrSettingsVersionConflict) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Msg("api: failed to store auto-download settings")
		RespondError(w, http.StatusInternalServerError, "Failed to update auto-download settings")
		return
	}

	RespondJSON(w, http.StatusOK, updated)
}
