// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const RedactedStr = "<redacted>"

// RedactString hides a secret in API responses while still showing that one is set.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return RedactedStr
}
