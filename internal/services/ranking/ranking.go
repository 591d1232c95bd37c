// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ranking scores and orders indexer candidates. Every function here is pure:
// the same candidates, settings and query always produce the same ordering.
package ranking

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/autobrr/abr/internal/domain"
)

// scoreEpsilon is the resolution scores are compared at.
const scoreEpsilon = 1e-9

// Contribution is one factor's share of a candidate's score.
type Contribution struct {
	Factor   string  `json:"factor"`
	Raw      float64 `json:"raw"`
	Weighted float64 `json:"weighted"`
	Detail   string  `json:"detail,omitempty"`
}

// RankedCandidate is a candidate that survived the hard filters, with its score breakdown.
type RankedCandidate struct {
	domain.Candidate
	Score         float64        `json:"score"`
	Contributions []Contribution `json:"contributions"`
}

// FilterReason explains why a candidate was dropped before scoring.
type FilterReason string

const (
	FilterNegativeSize       FilterReason = "negative_size"
	FilterProtocolNotAllowed FilterReason = "protocol_not_allowed"
	FilterSizeOutOfBounds    FilterReason = "size_out_of_bounds"
	FilterExcludePattern     FilterReason = "exclude_pattern"
	FilterIncludePattern     FilterReason = "include_pattern"
	FilterExpression         FilterReason = "filter_expression"
)

// FilteredCandidate is a candidate removed by a hard filter. It can never be selected.
type FilteredCandidate struct {
	domain.Candidate
	Reason FilterReason `json:"reason"`
}

// Query carries the request context for the title-match factor and the clock for the age factor.
type Query struct {
	Title    string
	Author   string
	Narrator string
	Now      time.Time
}

// Result is the full evaluation: ranked survivors in order and the exclusions.
type Result struct {
	Ranked   []RankedCandidate   `json:"ranked"`
	Filtered []FilteredCandidate `json:"filtered"`
}

// Rank scores and orders candidates without request context.
func Rank(candidates []domain.Candidate, settings domain.AutoDownloadSettings) []RankedCandidate {
	return Evaluate(Query{}, candidates, settings).Ranked
}

// Evaluate applies the hard filters, scores the survivors and orders them.
// Empty or fully filtered input yields an empty, non-nil Ranked slice.
func Evaluate(query Query, candidates []domain.Candidate, settings domain.AutoDownloadSettings) Result {
	settings = settings.Normalize()
	filters := compileFilters(settings)
	scorer := newScorer(query, settings)

	result := Result{
		Ranked:   make([]RankedCandidate, 0, len(candidates)),
		Filtered: []FilteredCandidate{},
	}

	for _, candidate := range candidates {
		candidate.Flags = normalizeFlags(candidate.Flags)

		if reason, ok := filters.check(candidate, query.Now); !ok {
			result.Filtered = append(result.Filtered, FilteredCandidate{Candidate: candidate, Reason: reason})
			continue
		}

		result.Ranked = append(result.Ranked, scorer.score(candidate))
	}

	slices.SortStableFunc(result.Ranked, compareRanked)

	return result
}

// compareRanked orders by score, then seeders, then smaller size, then title, then guid.
// Scores are compared after quantizing to scoreEpsilon.
func compareRanked(a, b RankedCandidate) int {
	if c := cmp.Compare(quantize(b.Score), quantize(a.Score)); c != 0 {
		return c
	}
	if a.Seeders != b.Seeders {
		return cmp.Compare(b.Seeders, a.Seeders)
	}
	if a.Size != b.Size {
		return cmp.Compare(a.Size, b.Size)
	}
	if c := strings.Compare(a.Title, b.Title); c != 0 {
		return c
	}
	return strings.Compare(a.GUID, b.GUID)
}

func quantize(score float64) float64 {
	return math.Round(score / scoreEpsilon)
}

func normalizeFlags(flags []string) []string {
	if len(flags) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(flags))
	for _, flag := range flags {
		flag = strings.ToLower(strings.TrimSpace(flag))
		if flag == "" || slices.Contains(out, flag) {
			continue
		}
		out = append(out, flag)
	}
	slices.Sort(out)
	return out
}

// Find returns the ranked candidate with the given guid.
func (r Result) Find(guid string) (RankedCandidate, bool) {
	for _, c := range r.Ranked {
		if c.GUID == guid {
			return c, true
		}
	}
	return RankedCandidate{}, false
}

// Excluded returns the filter reason for guid, if it was filtered.
func (r Result) Excluded(guid string) (FilterReason, bool) {
	for _, c := range r.Filtered {
		if c.GUID == guid {
			return c.Reason, true
		}
	}
	return "", false
}
