// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/api/middleware"
	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/services/lifecycle"
)

// RequestService is the lifecycle surface exposed over HTTP.
type RequestService interface {
	Create(ctx context.Context, in lifecycle.NewRequest) (*models.Request, error)
	List(ctx context.Context, filter models.RequestFilter) ([]*models.Request, error)
	Detail(ctx context.Context, id int64) (*lifecycle.RequestDetail, error)
	Search(ctx context.Context, id int64, actor, customQuery string) (*models.Request, error)
	ManualSelect(ctx context.Context, id int64, actor, guid string) (*models.Request, error)
	Reject(ctx context.Context, id int64, actor, reason string) (*models.Request, error)
	Cancel(ctx context.Context, id int64, actor string) (*models.Request, error)
	Retry(ctx context.Context, id int64, actor string) (*models.Request, error)
	Delete(ctx context.Context, id int64, actor string) error
}

type RequestsHandler struct {
	service RequestService
}

func NewRequestsHandler(service RequestService) *RequestsHandler {
	return &RequestsHandler{service: service}
}

func (h *RequestsHandler) Routes(r chi.Router) {
	r.Route("/requests", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/search", h.Search)
			r.Post("/select", h.Select)
			r.Post("/reject", h.Reject)
			r.Post("/cancel", h.Cancel)
			r.Post("/retry", h.Retry)
		})
	})
}

type selectPayload struct {
	GUID string `json:"guid"`
}

type rejectPayload struct {
	Reason string `json:"reason"`
}

type searchPayload struct {
	Query string `json:"query"`
}

func (h *RequestsHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	role := middleware.RoleFromContext(r.Context())
	query := r.URL.Query()

	filter := models.RequestFilter{}
	for _, raw := range query["state"] {
		for part := range strings.SplitSeq(raw, ",") {
			state := models.RequestState(strings.TrimSpace(part))
			if state == "" {
				continue
			}
			if !state.Valid() {
				RespondError(w, http.StatusBadRequest, "Invalid state: "+string(state))
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			RespondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = n
	}

	// Admins see everyone's requests and may narrow by user; others only see their own.
	if role == domain.RoleAdmin {
		filter.RequestedBy = strings.TrimSpace(query.Get("user"))
	} else {
		filter.RequestedBy = user
	}

	requests, err := h.service.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("api: failed to list requests")
		RespondError(w, http.StatusInternalServerError, "Failed to list requests")
		return
	}

	RespondJSON(w, http.StatusOK, requests)
}

func (h *RequestsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload lifecycle.NewRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	payload.RequestedBy = middleware.UserFromContext(r.Context())

	req, err := h.service.Create(r.Context(), payload)
	if err != nil {
		respondLifecycleError(w, err, "create request")
		return
	}

	RespondJSON(w, http.StatusCreated, req)
}

// Get returns the request detail. Ranked and filtered candidate lists are admin-only.
func (h *RequestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request ID")
		return
	}

	detail, err := h.service.Detail(r.Context(), id)
	if err != nil {
		respondLifecycleError(w, err, "load request")
		return
	}

	role := middleware.RoleFromContext(r.Context())
	if role != domain.RoleAdmin {
		if !strings.EqualFold(detail.Request.RequestedBy, middleware.UserFromContext(r.Context())) {
			RespondError(w, http.StatusNotFound, "Request not found")
			return
		}
		detail.Evaluation = nil
	}

	RespondJSON(w, http.StatusOK, detail)
}

func (h *RequestsHandler) Search(w http.ResponseWriter, r *http.Request) {
	var payload searchPayload
	if err := decodeOptionalJSON(r, &payload); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	h.action(w, r, "search request", func(ctx context.Context, id int64, actor string) (*models.Request, error) {
		return h.service.Search(ctx, id, actor, payload.Query)
	})
}

func (h *RequestsHandler) Select(w http.ResponseWriter, r *http.Request) {
	var payload selectPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	h.action(w, r, "select candidate", func(ctx context.Context, id int64, actor string) (*models.Request, error) {
		return h.service.ManualSelect(ctx, id, actor, payload.GUID)
	})
}

func (h *RequestsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var payload rejectPayload
	if err := decodeOptionalJSON(r, &payload); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	h.action(w, r, "reject request", func(ctx context.Context, id int64, actor string) (*models.Request, error) {
		return h.service.Reject(ctx, id, actor, payload.Reason)
	})
}

func (h *RequestsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "cancel request", func(ctx context.Context, id int64, actor string) (*models.Request, error) {
		return h.service.Cancel(ctx, id, actor)
	})
}

func (h *RequestsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "retry request", func(ctx context.Context, id int64, actor string) (*models.Request, error) {
		return h.service.Retry(ctx, id, actor)
	})
}

func (h *RequestsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request ID")
		return
	}

	if err := h.service.Delete(r.Context(), id, middleware.UserFromContext(r.Context())); err != nil {
		respondLifecycleError(w, err, "delete request")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *RequestsHandler) action(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, int64, string) (*models.Request, error)) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request ID")
		return
	}

	req, err := fn(r.Context(), id, middleware.UserFromContext(r.Context()))
	if err != nil {
		respondLifecycleError(w, err, op)
		return
	}

	RespondJSON(w, http.StatusOK, req)
}

func respondLifecycleError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, lifecycle.ErrPolicyViolation):
		RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrRequestNotFound):
		RespondError(w, http.StatusNotFound, "Request not found")
	case errors.Is(err, lifecycle.ErrCandidateNotFound):
		RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrStaleState), errors.Is(err, models.ErrRequestActive):
		RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msgf("api: failed to %s", op)
		RespondError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}
