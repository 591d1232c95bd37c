// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ranking

import (
	"strings"

	"github.com/moistari/rls"
)

// Format is the audio container detected from a release title.
type Format string

const (
	FormatM4B     Format = "m4b"
	FormatFLAC    Format = "flac"
	FormatMP3     Format = "mp3"
	FormatAAC     Format = "aac"
	FormatOpus    Format = "opus"
	FormatUnknown Format = "unknown"
)

// formatKeywords is checked in order; the first hit wins.
var formatKeywords = []struct {
	keyword string
	format  Format
}{
	{"m4b", FormatM4B},
	{"flac", FormatFLAC},
	{"mp3", FormatMP3},
	{"m4a", FormatAAC},
	{"aac", FormatAAC},
	{"opus", FormatOpus},
}

// DetectFormat inspects the title words first, then the audio tags parsed by rls.
func DetectFormat(title string) Format {
	tokens := tokenize(title)
	for _, kw := range formatKeywords {
		for _, token := range tokens {
			if token == kw.keyword {
				return kw.format
			}
		}
	}

	release := rls.ParseString(title)
	for _, audio := range release.Audio {
		audio = strings.ToLower(audio)
		for _, kw := range formatKeywords {
			if strings.Contains(audio, kw.keyword) {
				return kw.format
			}
		}
	}

	return FormatUnknown
}
