// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"fmt"
	"strings"
)

// Role is the permission tier of a user.
type Role string

const (
	RoleUntrusted Role = "untrusted"
	RoleTrusted   Role = "trusted"
	RoleAdmin     Role = "admin"
)

func (r Role) level() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleTrusted:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return r.level() >= min.level()
}

func (r Role) Valid() bool {
	switch r {
	case RoleUntrusted, RoleTrusted, RoleAdmin:
		return true
	}
	return false
}

// ParseRole accepts the role names case-insensitively.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return role, nil
}

// Capability is an action gated by role.
type Capability string

const (
	CapabilityRequest        Capability = "request"
	CapabilityAutoDownload   Capability = "auto_download"
	CapabilityManualSelect   Capability = "manual_select"
	CapabilityReject         Capability = "reject"
	CapabilityRetry          Capability = "retry"
	CapabilityManageSettings Capability = "manage_settings"
)

var capabilityMinimum = map[Capability]Role{
	CapabilityRequest:        RoleUntrusted,
	CapabilityManualSelect:   RoleAdmin,
	CapabilityReject:         RoleAdmin,
	CapabilityRetry:          RoleAdmin,
	CapabilityManageSettings: RoleAdmin,
}

// Can reports whether the role holds a capability. CapabilityAutoDownload is
// gated by the minimum role in settings; every other capability has a fixed floor.
func (r Role) Can(capability Capability, settings *AutoDownloadSettings) bool {
	if capability == CapabilityAutoDownload {
		if settings == nil {
			return false
		}
		return r.Valid() && r.AtLeast(settings.MinimumRole)
	}
	min, ok := capabilityMinimum[capability]
	if !ok {
		return false
	}
	return r.AtLeast(min)
}
