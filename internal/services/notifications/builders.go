// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package notifications

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

const (
	KindWebhook = "webhook"
	KindApprise = "apprise"
	KindGotify  = "gotify"
	KindNtfy    = "ntfy"
	KindDiscord = "discord"
)

// message is the rendered title and body before provider encoding.
type message struct {
	Title string
	Body  string
}

// request is what a builder hands to the sender.
type request struct {
	URL  string
	Body []byte
}

type builder func(targetURL string, msg message) (request, error)

var builders = map[string]builder{
	KindWebhook: buildTitleBody,
	KindApprise: buildTitleBody,
	KindGotify:  buildGotify,
	KindNtfy:    buildNtfy,
	KindDiscord: buildDiscord,
}

// Kinds lists the supported target kinds in a stable order.
func Kinds() []string {
	kinds := make([]string, 0, len(builders))
	for k := range builders {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

func ValidKind(kind string) bool {
	_, ok := builders[strings.ToLower(strings.TrimSpace(kind))]
	return ok
}

func buildTitleBody(targetURL string, msg message) (request, error) {
	body, err := json.Marshal(struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}{msg.Title, msg.Body})
	return request{URL: targetURL, Body: body}, err
}

func buildGotify(targetURL string, msg message) (request, error) {
	body, err := json.Marshal(struct {
		Title   string `json:"title"`
		Message string `json:"message"`
	}{msg.Title, msg.Body})
	return request{URL: targetURL, Body: body}, err
}

// buildNtfy publishes JSON to the server root with the topic taken from the
// last path segment of the configured topic URL.
func buildNtfy(targetURL string, msg message) (request, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return request{}, fmt.Errorf("invalid ntfy url: %w", err)
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		return request{}, fmt.Errorf("ntfy url %q has no topic", targetURL)
	}

	base, topic := "", path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		base, topic = path[:i], path[i+1:]
	}
	u.Path = "/" + base
	u.RawQuery = ""

	body, err := json.Marshal(struct {
		Topic   string `json:"topic"`
		Title   string `json:"title"`
		Message string `json:"message"`
	}{topic, msg.Title, msg.Body})
	return request{URL: u.String(), Body: body}, err
}

func buildDiscord(targetURL string, msg message) (request, error) {
	content := msg.Body
	if msg.Title != "" {
		content = "**" + msg.Title + "**\n" + msg.Body
	}
	body, err := json.Marshal(struct {
		Content string `json:"content"`
	}{strings.TrimSpace(content)})
	return request{URL: targetURL, Body: body}, err
}
