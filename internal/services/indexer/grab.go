// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/services/download"
)

const grabHandlePrefix = "prowlarr:"

// GrabSubmitter submits candidates through Prowlarr's own download client.
// Prowlarr does not report progress, so an accepted grab counts as succeeded.
type GrabSubmitter struct {
	service *Service
}

func NewGrabSubmitter(service *Service) *GrabSubmitter {
	return &GrabSubmitter{service: service}
}

func (g *GrabSubmitter) Submit(ctx context.Context, candidate domain.Candidate) (download.TrackingHandle, error) {
	if candidate.GUID == "" {
		return "", download.Permanent(download.CodeInvalidRelease, errors.New("candidate has no guid"))
	}

	if err := g.service.Grab(ctx, candidate.GUID, candidate.IndexerID); err != nil {
		return "", submitErrorFromGateway(err)
	}

	log.Info().
		Str("guid", candidate.GUID).
		Int("indexerID", candidate.IndexerID).
		Msg("indexer: release grabbed")

	return download.TrackingHandle(grabHandlePrefix + candidate.GUID), nil
}

func (g *GrabSubmitter) PollStatus(_ context.Context, handle download.TrackingHandle) (download.Status, error) {
	if !strings.HasPrefix(string(handle), grabHandlePrefix) {
		return "", download.Permanent(download.CodeUnknownHandle, fmt.Errorf("not a prowlarr handle: %q", handle))
	}
	return download.StatusSucceeded, nil
}

func submitErrorFromGateway(err error) error {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return download.AsSubmitError(err)
	}
	switch gwErr.Kind {
	case KindTimeout:
		return download.Transient(download.CodeTimeout, err)
	case KindUnreachable:
		return download.Transient(download.CodeUnreachable, err)
	case KindAuthFailure:
		return download.Permanent(download.CodeAuthFailure, err)
	default:
		return download.Permanent(download.CodeRejected, err)
	}
}
