// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notifications delivers request lifecycle events to admin-configured
// HTTP targets.
//
// Delivery is fire-and-forget: a failed target is retried a few times and then
// dropped. Lifecycle code never waits on, or fails because of, a notification.
package notifications

import (
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type Event string

const (
	EventRequestCreated      Event = "request_created"
	EventRequestNoCandidates Event = "request_no_candidates"
	EventRequestDownloading  Event = "request_downloading"
	EventRequestCompleted    Event = "request_completed"
	EventRequestFailed       Event = "request_failed"
	EventRequestRejected     Event = "request_rejected"
	EventRequestCancelled    Event = "request_cancelled"
	EventTest                Event = "test"
)

var AllEvents = []Event{
	EventRequestCreated,
	EventRequestNoCandidates,
	EventRequestDownloading,
	EventRequestCompleted,
	EventRequestFailed,
	EventRequestRejected,
	EventRequestCancelled,
}

func (e Event) Valid() bool {
	for _, known := range AllEvents {
		if e == known {
			return true
		}
	}
	return false
}

// Payload carries the values substituted into target templates.
type Payload struct {
	User         string
	BookTitle    string
	BookAuthors  string
	BookNarrator string
	Reason       string
	ReleaseTitle string
	ReleaseSize  int64
}

const (
	defaultTitleTemplate = "{eventType}: {bookTitle}"
	defaultBodyTemplate  = "{bookTitle} by {bookAuthors} ({eventUser})"
)

// displayName turns request_no_candidates into "Request No Candidates".
func (e Event) displayName() string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(e), "_", " "))
}

// render substitutes placeholders. Unknown placeholders are left untouched.
func render(tmpl string, event Event, p Payload) string {
	size := ""
	if p.ReleaseSize > 0 {
		size = humanize.Bytes(uint64(p.ReleaseSize))
	}

	r := strings.NewReplacer(
		"{eventUser}", p.User,
		"{bookTitle}", p.BookTitle,
		"{bookAuthors}", p.BookAuthors,
		"{bookNarrators}", p.BookNarrator,
		"{eventType}", event.displayName(),
		"{reason}", p.Reason,
		"{releaseTitle}", p.ReleaseTitle,
		"{releaseSize}", size,
	)
	return strings.TrimSpace(r.Replace(tmpl))
}
