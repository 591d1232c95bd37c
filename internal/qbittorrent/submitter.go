// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/services/download"
)

const (
	tagPrefix    = "abr-"
	hashHandle   = "hash:"
	tagHandle    = "tag:"
	fullProgress = 1.0
)

// Submitter adds torrent candidates to qBittorrent and reports their progress.
type Submitter struct {
	client *Client
	newTag func() string
}

func NewSubmitter(client *Client) *Submitter {
	return &Submitter{
		client: client,
		newTag: func() string { return tagPrefix + uuid.NewString() },
	}
}

func (s *Submitter) Submit(ctx context.Context, candidate domain.Candidate) (download.TrackingHandle, error) {
	if candidate.Protocol != domain.ProtocolTorrent {
		return "", download.Permanent(download.CodeUnsupported, fmt.Errorf("qbittorrent cannot handle %s releases", candidate.Protocol))
	}

	link := strings.TrimSpace(candidate.MagnetURL)
	if link == "" {
		link = strings.TrimSpace(candidate.DownloadURL)
	}
	if link == "" {
		return "", download.Permanent(download.CodeMissingLink, fmt.Errorf("release %q has no magnet or download url", candidate.GUID))
	}

	if err := s.client.Connect(ctx); err != nil {
		return "", submitErrorFromClient(ctx, err)
	}

	tag := s.newTag()
	options := map[string]string{"tags": tag}
	if s.client.cfg.Category != "" {
		options["category"] = s.client.cfg.Category
	}
	if s.client.cfg.SavePath != "" {
		options["savepath"] = s.client.cfg.SavePath
		options["autoTMM"] = "false"
	}

	if err := s.client.AddTorrentFromUrlCtx(ctx, link, options); err != nil {
		return "", submitErrorFromClient(ctx, err)
	}

	handle := trackingHandle(link, tag)

	log.Debug().
		Str("guid", candidate.GUID).
		Str("indexer", candidate.Indexer).
		Str("handle", string(handle)).
		Msg("qbittorrent: torrent added")

	return handle, nil
}

func (s *Submitter) PollStatus(ctx context.Context, handle download.TrackingHandle) (download.Status, error) {
	var opts qbt.TorrentFilterOptions
	switch {
	case strings.HasPrefix(string(handle), hashHandle):
		opts.Hashes = []string{strings.TrimPrefix(string(handle), hashHandle)}
	case strings.HasPrefix(string(handle), tagHandle):
		opts.Tag = strings.TrimPrefix(string(handle), tagHandle)
	default:
		return "", download.Permanent(download.CodeUnknownHandle, fmt.Errorf("unrecognized handle %q", handle))
	}

	if err := s.client.Connect(ctx); err != nil {
		return "", submitErrorFromClient(ctx, err)
	}

	torrents, err := s.client.GetTorrentsCtx(ctx, opts)
	if err != nil {
		return "", submitErrorFromClient(ctx, err)
	}

	// Not listed yet: qBittorrent may still be fetching the torrent file.
	if len(torrents) == 0 {
		return download.StatusPending, nil
	}

	return torrentStatus(&torrents[0]), nil
}

// trackingHandle prefers the info hash of a magnet link, which survives tag
// edits in the client. Plain .torrent urls are tracked by their unique tag.
func trackingHandle(link, tag string) download.TrackingHandle {
	if strings.HasPrefix(link, "magnet:") {
		if m, err := metainfo.ParseMagnetUri(link); err == nil {
			return download.TrackingHandle(hashHandle + strings.ToLower(m.InfoHash.HexString()))
		}
	}
	return download.TrackingHandle(tagHandle + tag)
}

func torrentStatus(t *qbt.Torrent) download.Status {
	switch t.State {
	case qbt.TorrentStateError, qbt.TorrentStateMissingFiles:
		return download.StatusFailed
	}
	if t.Progress >= fullProgress {
		return download.StatusSucceeded
	}
	return download.StatusPending
}

func submitErrorFromClient(ctx context.Context, err error) *download.SubmitError {
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		return download.Permanent(download.CodeClientVersion, err)
	case errors.Is(err, qbt.ErrBadCredentials), errors.Is(err, qbt.ErrIPBanned):
		return download.Permanent(download.CodeAuthFailure, err)
	case errors.Is(err, qbt.ErrNoTorrentURLProvided):
		return download.Permanent(download.CodeMissingLink, err)
	case errors.Is(err, qbt.ErrUnexpectedStatus):
		return download.Permanent(download.CodeRejected, err)
	}

	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return download.Transient(download.CodeTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return download.Transient(download.CodeTimeout, err)
		}
		return download.Transient(download.CodeUnreachable, err)
	}

	return download.Transient(download.CodeClientError, err)
}
