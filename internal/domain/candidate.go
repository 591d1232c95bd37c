// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"strings"
	"time"
)

type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
	ProtocolDirect  Protocol = "direct"
)

// Candidate is one release returned by the indexer for a search. It is never persisted;
// only the chosen candidate's identifying fields are copied onto a DownloadAttempt.
type Candidate struct {
	GUID        string    `json:"guid"`
	IndexerID   int       `json:"indexerId"`
	Indexer     string    `json:"indexer"`
	Title       string    `json:"title"`
	Size        int64     `json:"size"`
	Seeders     int       `json:"seeders"`
	Peers       int       `json:"peers"`
	PublishDate time.Time `json:"publishDate"`
	Protocol    Protocol  `json:"protocol"`
	Flags       []string  `json:"flags"` // lowercased, e.g. "freeleech"
	DownloadURL string    `json:"downloadUrl,omitempty"`
	MagnetURL   string    `json:"magnetUrl,omitempty"`
	InfoURL     string    `json:"infoUrl,omitempty"`
}

func (c Candidate) HasFlag(flag string) bool {
	flag = strings.ToLower(strings.TrimSpace(flag))
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Age returns how old the release was at now. Unknown publish dates count as zero age.
func (c Candidate) Age(now time.Time) time.Duration {
	if c.PublishDate.IsZero() || now.Before(c.PublishDate) {
		return 0
	}
	return now.Sub(c.PublishDate)
}

// BookQuery is what the indexer is searched for. Custom replaces the title and author text.
type BookQuery struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Custom string `json:"custom,omitempty"`
}

// String renders the free-text query sent to the indexer.
func (q BookQuery) String() string {
	if custom := strings.TrimSpace(q.Custom); custom != "" {
		return custom
	}
	return strings.TrimSpace(strings.TrimSpace(q.Title) + " " + strings.TrimSpace(q.Author))
}
