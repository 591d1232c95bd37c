// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ranking

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/autobrr/abr/internal/domain"
)

const (
	FactorSeeders       = "seeders"
	FactorSeederFloor   = "seeder_floor"
	FactorSizeFit       = "size_fit"
	FactorAge           = "age"
	FactorTitleMatch    = "title_match"
	FactorNarratorMatch = "narrator_match"
	factorFlagPrefix    = "flag:"
	factorFmtPrefix     = "format:"
	factorIndexerPrefix = "indexer:"
)

type scorer struct {
	query          Query
	settings       domain.AutoDownloadSettings
	queryTokens    []string
	narratorTokens []string
}

func newScorer(query Query, settings domain.AutoDownloadSettings) scorer {
	return scorer{
		query:          query,
		settings:       settings,
		queryTokens:    tokenize(query.Title + " " + query.Author),
		narratorTokens: tokenize(query.Narrator),
	}
}

// score sums the weighted factors. Contributions keep evaluation order:
// seeders, seeder floor, flags, indexer, size, age, title match, narrator match, format.
func (s scorer) score(c domain.Candidate) RankedCandidate {
	var contributions []Contribution
	add := func(factor string, raw, weight float64, detail string) {
		contributions = append(contributions, Contribution{
			Factor:   factor,
			Raw:      raw,
			Weighted: raw * weight,
			Detail:   detail,
		})
	}

	if s.settings.SeederWeight != 0 {
		raw, detail := s.seederFactor(c)
		add(FactorSeeders, raw, s.settings.SeederWeight, detail)

		if c.Protocol == domain.ProtocolTorrent && c.Seeders < s.settings.SeederFloor {
			add(FactorSeederFloor, -1, s.settings.SeederWeight, fmt.Sprintf("%d below floor %d", c.Seeders, s.settings.SeederFloor))
		}
	}

	for _, flag := range c.Flags {
		if weight, ok := s.settings.FlagWeights[flag]; ok && weight != 0 {
			add(factorFlagPrefix+flag, 1, weight, "")
		}
	}

	if weight, ok := s.settings.IndexerWeights[c.IndexerID]; ok && weight != 0 {
		add(factorIndexerPrefix+strconv.Itoa(c.IndexerID), 1, weight, c.Indexer)
	}

	if s.settings.SizeWeight != 0 && s.settings.TargetSizeMaxMB > 0 {
		raw, detail := s.sizeFactor(c)
		add(FactorSizeFit, raw, s.settings.SizeWeight, detail)
	}

	if s.settings.AgeWeight != 0 && s.settings.AgeBias != domain.AgeBiasNeutral {
		raw, detail := s.ageFactor(c)
		add(FactorAge, raw, s.settings.AgeWeight, detail)
	}

	if s.settings.TitleMatchWeight != 0 && len(s.queryTokens) > 0 {
		raw, detail := matchFactor(s.queryTokens, c.Title)
		add(FactorTitleMatch, raw, s.settings.TitleMatchWeight, detail)
	}

	if s.settings.NarratorMatchWeight != 0 && len(s.narratorTokens) > 0 {
		raw, detail := matchFactor(s.narratorTokens, c.Title)
		add(FactorNarratorMatch, raw, s.settings.NarratorMatchWeight, detail)
	}

	if len(s.settings.FormatWeights) > 0 {
		format := DetectFormat(c.Title)
		if weight, ok := s.settings.FormatWeights[string(format)]; ok && weight != 0 {
			add(factorFmtPrefix+string(format), 1, weight, "")
		}
	}

	total := 0.0
	for _, contribution := range contributions {
		total += contribution.Weighted
	}

	if contributions == nil {
		contributions = []Contribution{}
	}

	return RankedCandidate{Candidate: c, Score: total, Contributions: contributions}
}

// seederFactor maps swarm size onto [0,1] with log1p so large swarms saturate.
// Usenet and direct downloads do not depend on a swarm and score full availability.
func (s scorer) seederFactor(c domain.Candidate) (float64, string) {
	if c.Protocol != domain.ProtocolTorrent {
		return 1, "no swarm"
	}
	swarm := float64(max(c.Seeders, 0)) + float64(max(c.Peers, 0))/2
	raw := math.Log1p(swarm) / math.Log1p(float64(s.settings.SeederSaturation))
	return clamp(raw, 0, 1), fmt.Sprintf("%d seeders, %d peers", c.Seeders, c.Peers)
}

// sizeFactor is 1 inside the target band and decays linearly to -1 across the tolerance.
func (s scorer) sizeFactor(c domain.Candidate) (float64, string) {
	sizeMB := float64(c.Size) / bytesPerMB
	low, high := s.settings.TargetSizeMinMB, s.settings.TargetSizeMaxMB

	var distance float64
	switch {
	case sizeMB < low:
		distance = low - sizeMB
	case sizeMB > high:
		distance = sizeMB - high
	default:
		return 1, fmt.Sprintf("%.0fMB within %.0f-%.0fMB", sizeMB, low, high)
	}

	detail := fmt.Sprintf("%.0fMB outside %.0f-%.0fMB", sizeMB, low, high)
	if s.settings.SizeToleranceMB <= 0 {
		return -1, detail
	}
	return clamp(1-2*distance/s.settings.SizeToleranceMB, -1, 1), detail
}

func (s scorer) ageFactor(c domain.Candidate) (float64, string) {
	if c.PublishDate.IsZero() || s.query.Now.IsZero() {
		return 0, "unknown age"
	}
	days := c.Age(s.query.Now).Hours() / 24
	ratio := clamp(days/float64(s.settings.AgeHorizonDays), 0, 1)

	detail := fmt.Sprintf("%.0f days", days)
	if s.settings.AgeBias == domain.AgeBiasNewer {
		return 1 - ratio, detail
	}
	return ratio, detail
}

// matchFactor scores how many of the tokens appear in the release title:
// whole words count fully, fuzzy subsequence matches count half.
func matchFactor(tokens []string, releaseTitle string) (float64, string) {
	title := " " + strings.Join(tokenize(releaseTitle), " ") + " "

	var total float64
	var exact, partial int
	for _, token := range tokens {
		switch {
		case strings.Contains(title, " "+token+" "):
			total++
			exact++
		case len(token) >= 4 && fuzzy.MatchNormalizedFold(token, title):
			total += 0.5
			partial++
		}
	}

	raw := total / float64(len(tokens))
	return raw, fmt.Sprintf("%d exact, %d fuzzy of %d words", exact, partial, len(tokens))
}

func tokenize(value string) []string {
	fields := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 2 {
			continue
		}
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		tokens = append(tokens, field)
	}
	return tokens
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
