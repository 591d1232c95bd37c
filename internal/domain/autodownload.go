// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// AgeBias selects whether newer or older releases score higher.
type AgeBias string

const (
	AgeBiasNeutral AgeBias = "neutral"
	AgeBiasNewer   AgeBias = "newer"
	AgeBiasOlder   AgeBias = "older"
)

const (
	DefaultSeederWeight     = 5.0
	DefaultSeederSaturation = 1000
	DefaultSeederFloor      = 1
	DefaultFreeleechBonus   = 3.0
	DefaultSizeWeight       = 2.0
	DefaultTargetSizeMinMB  = 50.0
	DefaultTargetSizeMaxMB  = 3000.0
	DefaultSizeToleranceMB  = 2000.0
	DefaultAgeWeight        = 1.0
	DefaultAgeHorizonDays   = 365
	DefaultTitleMatchWeight = 3.0

	DefaultNarratorMatchWeight = 1.0
)

// AutoDownloadSettings is the admin-editable ranking and automation configuration.
// Values handed to the ranking engine and policy are immutable snapshots stamped with Version;
// a change always replaces the whole record.
type AutoDownloadSettings struct {
	Version int64 `json:"version"`

	Enabled     bool `json:"enabled"`
	MinimumRole Role `json:"minimumRole"`

	// Hard filters. Zero size bounds are unbounded; an empty protocol list permits all.
	AllowedProtocols []Protocol `json:"allowedProtocols"`
	MinSizeMB        float64    `json:"minSizeMb"`
	MaxSizeMB        float64    `json:"maxSizeMb"`
	IncludePattern   string     `json:"includePattern"`
	ExcludePattern   string     `json:"excludePattern"`
	FilterExpression string     `json:"filterExpression"`

	SeederWeight     float64 `json:"seederWeight"`
	SeederSaturation int     `json:"seederSaturation"`
	SeederFloor      int     `json:"seederFloor"`

	FlagWeights map[string]float64 `json:"flagWeights"`

	SizeWeight      float64 `json:"sizeWeight"`
	TargetSizeMinMB float64 `json:"targetSizeMinMb"`
	TargetSizeMaxMB float64 `json:"targetSizeMaxMb"`
	SizeToleranceMB float64 `json:"sizeToleranceMb"`

	AgeWeight      float64 `json:"ageWeight"`
	AgeBias        AgeBias `json:"ageBias"`
	AgeHorizonDays int     `json:"ageHorizonDays"`

	TitleMatchWeight    float64            `json:"titleMatchWeight"`
	NarratorMatchWeight float64            `json:"narratorMatchWeight"`
	FormatWeights       map[string]float64 `json:"formatWeights"`

	// IndexerWeights adds a fixed bonus per indexer id; unlisted indexers get nothing.
	IndexerWeights map[int]float64 `json:"indexerWeights"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultAutoDownloadSettings returns the documented defaults. Automation starts disabled.
func DefaultAutoDownloadSettings() AutoDownloadSettings {
	return AutoDownloadSettings{
		Enabled:          false,
		MinimumRole:      RoleTrusted,
		AllowedProtocols: []Protocol{},
		SeederWeight:     DefaultSeederWeight,
		SeederSaturation: DefaultSeederSaturation,
		SeederFloor:      DefaultSeederFloor,
		FlagWeights:      map[string]float64{"freeleech": DefaultFreeleechBonus},
		SizeWeight:       DefaultSizeWeight,
		TargetSizeMinMB:  DefaultTargetSizeMinMB,
		TargetSizeMaxMB:  DefaultTargetSizeMaxMB,
		SizeToleranceMB:  DefaultSizeToleranceMB,
		AgeWeight:        DefaultAgeWeight,
		AgeBias:          AgeBiasNeutral,
		AgeHorizonDays:   DefaultAgeHorizonDays,
		TitleMatchWeight: DefaultTitleMatchWeight,
		FormatWeights:    map[string]float64{"m4b": 2, "flac": 1.5, "mp3": 1},

		NarratorMatchWeight: DefaultNarratorMatchWeight,
		IndexerWeights:      map[int]float64{},
	}
}

// Clone returns a deep copy so callers can never mutate a shared snapshot.
func (s AutoDownloadSettings) Clone() AutoDownloadSettings {
	out := s
	out.AllowedProtocols = slices.Clone(s.AllowedProtocols)
	out.FlagWeights = maps.Clone(s.FlagWeights)
	out.FormatWeights = maps.Clone(s.FormatWeights)
	out.IndexerWeights = maps.Clone(s.IndexerWeights)
	return out
}

// Normalize fills invalid or missing values with defaults and canonicalizes keys.
func (s AutoDownloadSettings) Normalize() AutoDownloadSettings {
	def := DefaultAutoDownloadSettings()
	out := s.Clone()

	if !out.MinimumRole.Valid() {
		out.MinimumRole = def.MinimumRole
	}
	switch out.AgeBias {
	case AgeBiasNeutral, AgeBiasNewer, AgeBiasOlder:
	default:
		out.AgeBias = AgeBiasNeutral
	}
	if out.SeederSaturation <= 0 {
		out.SeederSaturation = def.SeederSaturation
	}
	if out.SeederFloor < 0 {
		out.SeederFloor = 0
	}
	if out.AgeHorizonDays <= 0 {
		out.AgeHorizonDays = def.AgeHorizonDays
	}
	if out.MinSizeMB < 0 {
		out.MinSizeMB = 0
	}
	if out.MaxSizeMB < 0 {
		out.MaxSizeMB = 0
	}
	if out.TargetSizeMaxMB < out.TargetSizeMinMB {
		out.TargetSizeMinMB, out.TargetSizeMaxMB = out.TargetSizeMaxMB, out.TargetSizeMinMB
	}
	if out.SizeToleranceMB < 0 {
		out.SizeToleranceMB = 0
	}

	out.FlagWeights = lowerKeys(out.FlagWeights)
	out.FormatWeights = lowerKeys(out.FormatWeights)
	if out.IndexerWeights == nil {
		out.IndexerWeights = map[int]float64{}
	}

	protocols := make([]Protocol, 0, len(out.AllowedProtocols))
	for _, p := range out.AllowedProtocols {
		p = Protocol(strings.ToLower(strings.TrimSpace(string(p))))
		if p == "" || slices.Contains(protocols, p) {
			continue
		}
		protocols = append(protocols, p)
	}
	out.AllowedProtocols = protocols

	out.IncludePattern = strings.TrimSpace(out.IncludePattern)
	out.ExcludePattern = strings.TrimSpace(out.ExcludePattern)
	out.FilterExpression = strings.TrimSpace(out.FilterExpression)

	return out
}

// AllowsProtocol reports whether the protocol passes the protocol filter.
func (s AutoDownloadSettings) AllowsProtocol(p Protocol) bool {
	return len(s.AllowedProtocols) == 0 || slices.Contains(s.AllowedProtocols, p)
}

func lowerKeys(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		out[key] = v
	}
	return out
}
