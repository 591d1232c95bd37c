// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"time"

	internalqbittorrent "github.com/autobrr/abr/internal/qbittorrent"
)

// DownloadClientCapabilitiesResponse describes the configured qBittorrent instance.
type DownloadClientCapabilitiesResponse struct {
	Configured            bool       `json:"configured"`
	Healthy               bool       `json:"healthy"`
	LastHealthCheck       *time.Time `json:"lastHealthCheck,omitempty"`
	SupportsSetTags       bool       `json:"supportsSetTags"`
	SupportsSubcategories bool       `json:"supportsSubcategories"`
	WebAPIVersion         string     `json:"webAPIVersion,omitempty"`
}

// NewDownloadClientCapabilitiesResponse creates a response payload from a qBittorrent client.
func NewDownloadClientCapabilitiesResponse(client *internalqbittorrent.Client) DownloadClientCapabilitiesResponse {
	if client == nil {
		return DownloadClientCapabilitiesResponse{}
	}

	capabilities := DownloadClientCapabilitiesResponse{
		Configured:            true,
		Healthy:               client.IsHealthy(),
		SupportsSetTags:       client.SupportsSetTags(),
		SupportsSubcategories: client.SupportsSubcategories(),
		WebAPIVersion:         client.GetWebAPIVersion(),
	}
	if last := client.GetLastHealthCheck(); !last.IsZero() {
		capabilities.LastHealthCheck = &last
	}

	return capabilities
}

type DownloadClientHandler struct {
	client *internalqbittorrent.Client
}

func NewDownloadClientHandler(client *internalqbittorrent.Client) *DownloadClientHandler {
	return &DownloadClientHandler{client: client}
}

// GetCapabilities refreshes the health of the client and reports what it supports.
func (h *DownloadClientHandler) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	if h.client != nil {
		// Errors surface through Healthy=false.
		_ = h.client.HealthCheck(r.Context())
	}
	RespondJSON(w, http.StatusOK, NewDownloadClientCapabilitiesResponse(h.client))
}
