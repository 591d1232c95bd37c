// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"fmt"
	"runtime"
)

// Set via ldflags: -X github.com/autobrr/abr/internal/buildinfo.Version=...
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent on every outbound request to indexers, download clients and notification targets.
var UserAgent = fmt.Sprintf("abr/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
