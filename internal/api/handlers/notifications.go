// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/services/notifications"
)

type NotificationTargetStore interface {
	List(ctx context.Context) ([]*models.NotificationTarget, error)
	Get(ctx context.Context, id int64) (*models.NotificationTarget, error)
	Create(ctx context.Context, target *models.NotificationTarget) (*models.NotificationTarget, error)
	Update(ctx context.Context, target *models.NotificationTarget) (*models.NotificationTarget, error)
	Delete(ctx context.Context, id int64) error
}

type NotificationTester interface {
	Test(ctx context.Context, target *models.NotificationTarget) error
}

type NotificationsHandler struct {
	store  NotificationTargetStore
	tester NotificationTester
}

func NewNotificationsHandler(store NotificationTargetStore, tester NotificationTester) *NotificationsHandler {
	return &NotificationsHandler{store: store, tester: tester}
}

func (h *NotificationsHandler) Routes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/events", h.Events)

		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/test", h.Test)
		})
	})
}

type NotificationTargetPayload struct {
	Name          string            `json:"name"`
	Kind          string            `json:"kind"`
	URL           string            `json:"url"`
	Token         string            `json:"token"`
	Events        []string          `json:"events"`
	Headers       map[string]string `json:"headers"`
	TitleTemplate string            `json:"titleTemplate"`
	BodyTemplate  string            `json:"bodyTemplate"`
	Enabled       *bool             `json:"enabled"`
}

func (p *NotificationTargetPayload) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("Name is required")
	}
	if !notifications.ValidKind(p.Kind) {
		return errors.New("Unsupported kind, expected one of: " + strings.Join(notifications.Kinds(), ", "))
	}
	if strings.TrimSpace(p.URL) == "" {
		return errors.New("URL is required")
	}
	for _, event := range p.Events {
		if !notifications.Event(strings.TrimSpace(event)).Valid() {
			return errors.New("Unknown event: " + event)
		}
	}
	return nil
}

func (p *NotificationTargetPayload) toModel(id int64) *models.NotificationTarget {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return &models.NotificationTarget{
		ID:            id,
		Name:          p.Name,
		Kind:          p.Kind,
		URL:           p.URL,
		Token:         p.Token,
		Events:        p.Events,
		Headers:       p.Headers,
		TitleTemplate: p.TitleTemplate,
		BodyTemplate:  p.BodyTemplate,
		Enabled:       enabled,
	}
}

func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	targets, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("api: failed to list notification targets")
		RespondError(w, http.StatusInternalServerError, "Failed to load notification targets")
		return
	}

	RespondJSON(w, http.StatusOK, targets)
}

func (h *NotificationsHandler) Events(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]any{
		"events": notifications.AllEvents,
		"kinds":  notifications.Kinds(),
	})
}

func (h *NotificationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload NotificationTargetPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := payload.validate(); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := h.store.Create(r.Context(), payload.toModel(0))
	if err != nil {
		log.Warn().Err(err).Msg("api: failed to create notification target")
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusCreated, target)
}

func (h *NotificationsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid notification target ID")
		return
	}

	var payload NotificationTargetPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := payload.validate(); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := h.store.Update(r.Context(), payload.toModel(id))
	if err != nil {
		if errors.Is(err, models.ErrNotificationTargetNotFound) {
			RespondError(w, http.StatusNotFound, "Notification target not found")
			return
		}
		log.Warn().Err(err).Int64("id", id).Msg("api: failed to update notification target")
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, target)
}

func (h *NotificationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid notification target ID")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrNotificationTargetNotFound) {
			RespondError(w, http.StatusNotFound, "Notification target not found")
			return
		}
		log.Error().Err(err).Int64("id", id).Msg("api: failed to delete notification target")
		RespondError(w, http.StatusInternalServerError, "Failed to delete notification target")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Test sends a sample message to the target and reports the delivery error, if any.
func (h *NotificationsHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid notification target ID")
		return
	}

	target, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotificationTargetNotFound) {
			RespondError(w, http.StatusNotFound, "Notification target not found")
			return
		}
		log.Error().Err(err).Int64("id", id).Msg("api: failed to load notification target")
		RespondError(w, http.StatusInternalServerError, "Failed to load notification target")
		return
	}

	if err := h.tester.Test(r.Context(), target); err != nil {
		RespondError(w, http.StatusBadGateway, "Test notification failed: "+err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}
