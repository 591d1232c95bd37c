// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ranking

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/abr/internal/domain"
)

func mb(n float64) int64 {
	return int64(n * bytesPerMB)
}

// bareSettings disables every scoring factor so tests can enable only what they assert on.
func bareSettings() domain.AutoDownloadSettings {
	return domain.AutoDownloadSettings{
		MinimumRole:      domain.RoleTrusted,
		SeederSaturation: domain.DefaultSeederSaturation,
		AgeBias:          domain.AgeBiasNeutral,
		FlagWeights:      map[string]float64{},
		FormatWeights:    map[string]float64{},
	}
}

func torrent(guid, title string, seeders int, size int64) domain.Candidate {
	return domain.Candidate{
		GUID:     guid,
		Title:    title,
		Seeders:  seeders,
		Size:     size,
		Protocol: domain.ProtocolTorrent,
	}
}

func guids(ranked []RankedCandidate) []string {
	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.GUID)
	}
	return out
}

func TestRankEmptyInput(t *testing.T) {
	ranked := Rank(nil, domain.DefaultAutoDownloadSettings())
	require.NotNil(t, ranked)
	assert.Empty(t, ranked)

	settings := bareSettings()
	settings.AllowedProtocols = []domain.Protocol{domain.ProtocolUsenet}
	ranked = Rank([]domain.Candidate{torrent("a", "Dune", 10, mb(300))}, settings)
	require.NotNil(t, ranked)
	assert.Empty(t, ranked)
}

func TestHardFilters(t *testing.T) {
	settings := bareSettings()
	settings.AllowedProtocols = []domain.Protocol{domain.ProtocolTorrent, domain.ProtocolUsenet}
	settings.MinSizeMB = 10
	settings.MaxSizeMB = 5000
	settings.ExcludePattern = `\bsample\b`
	settings.IncludePattern = `dune`
	settings.FilterExpression = `seeders >= 2 || protocol == "usenet"`

	direct := torrent("direct", "Dune m4b", 50, mb(300))
	direct.Protocol = domain.ProtocolDirect
	usenet := torrent("usenet", "Dune Unabridged", 0, mb(400))
	usenet.Protocol = domain.ProtocolUsenet

	candidates := []domain.Candidate{
		torrent("ok", "Frank Herbert - Dune (2019) m4b", 20, mb(700)),
		torrent("negative", "Dune", 20, -1),
		direct,
		torrent("tiny", "Dune", 20, mb(1)),
		torrent("huge", "Dune", 20, mb(9000)),
		torrent("sample", "Dune SAMPLE", 20, mb(300)),
		torrent("other", "Foundation", 20, mb(300)),
		torrent("lonely", "Dune", 1, mb(300)),
		usenet,
	}

	result := Evaluate(Query{}, candidates, settings)

	assert.ElementsMatch(t, []string{"ok", "usenet"}, guids(result.Ranked))

	expected := map[string]FilterReason{
		"negative": FilterNegativeSize,
		"direct":   FilterProtocolNotAllowed,
		"tiny":     FilterSizeOutOfBounds,
		"huge":     FilterSizeOutOfBounds,
		"sample":   FilterExcludePattern,
		"other":    FilterIncludePattern,
		"lonely":   FilterExpression,
	}
	require.Len(t, result.Filtered, len(expected))
	for guid, reason := range expected {
		got, ok := result.Excluded(guid)
		require.True(t, ok, guid)
		assert.Equal(t, reason, got, guid)
	}
}

func TestFilteredCandidatesNeverRanked(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	protocols := []domain.Protocol{domain.ProtocolTorrent, domain.ProtocolUsenet, domain.ProtocolDirect}

	settings := domain.DefaultAutoDownloadSettings()
	settings.AllowedProtocols = []domain.Protocol{domain.ProtocolTorrent}
	settings.MinSizeMB = 20
	settings.MaxSizeMB = 4000
	settings.ExcludePattern = "(?:epub|pdf)"

	for round := 0; round < 50; round++ {
		candidates := make([]domain.Candidate, 0, 40)
		for i := 0; i < 40; i++ {
			title := "Book"
			if rng.IntN(4) == 0 {
				title = "Book epub"
			}
			candidates = append(candidates, domain.Candidate{
				GUID:     fmt.Sprintf("%d-%d", round, i),
				Title:    title,
				Size:     int64(rng.IntN(6000)-500) * bytesPerMB,
				Seeders:  rng.IntN(200),
				Protocol: protocols[rng.IntN(len(protocols))],
			})
		}

		result := Evaluate(Query{}, candidates, settings)
		assert.Len(t, result.Ranked, len(candidates)-len(result.Filtered))

		for _, filtered := range result.Filtered {
			_, found := result.Find(filtered.GUID)
			assert.False(t, found, "filtered candidate %s ranked", filtered.GUID)
		}
		for _, ranked := range result.Ranked {
			assert.Equal(t, domain.ProtocolTorrent, ranked.Protocol)
			assert.GreaterOrEqual(t, ranked.Size, mb(20))
			assert.LessOrEqual(t, ranked.Size, mb(4000))
			assert.NotContains(t, ranked.Title, "epub")
		}
	}
}

func TestRankIsDeterministic(t *testing.T) {
	candidates := []domain.Candidate{
		torrent("a", "Dune m4b", 10, mb(500)),
		torrent("b", "Dune mp3", 10, mb(500)),
		torrent("c", "Dune", 300, mb(800)),
		torrent("d", "Dune", 300, mb(800)),
		torrent("e", "Dune flac", 3, mb(2500)),
	}
	settings := domain.DefaultAutoDownloadSettings()

	first := Rank(candidates, settings)
	second := Rank(candidates, settings)
	assert.Equal(t, first, second)

	shuffled := []domain.Candidate{candidates[3], candidates[1], candidates[4], candidates[0], candidates[2]}
	assert.Equal(t, guids(first), guids(Rank(shuffled, settings)))
}

func TestTieBreakOrder(t *testing.T) {
	settings := bareSettings()

	candidates := []domain.Candidate{
		torrent("title-b", "B title", 10, mb(100)),
		torrent("bigger", "A title", 10, mb(200)),
		torrent("title-a", "A title", 10, mb(100)),
		torrent("seeded", "Z title", 50, mb(900)),
	}

	ranked := Rank(candidates, settings)
	for _, r := range ranked {
		assert.Zero(t, r.Score)
	}
	assert.Equal(t, []string{"seeded", "title-a", "title-b", "bigger"}, guids(ranked))
}

func TestFreeleechOutranksLargerSwarm(t *testing.T) {
	settings := bareSettings()
	settings.SeederWeight = domain.DefaultSeederWeight
	settings.FlagWeights = map[string]float64{"freeleech": 10}

	freeleech := torrent("fl", "Dune", 12, mb(600))
	freeleech.Flags = []string{"FreeLeech"}
	popular := torrent("popular", "Dune", 5000, mb(600))

	ranked := Rank([]domain.Candidate{popular, freeleech}, settings)
	require.Len(t, ranked, 2)
	assert.Equal(t, "fl", ranked[0].GUID)

	var flagContribution *Contribution
	for i := range ranked[0].Contributions {
		if ranked[0].Contributions[i].Factor == "flag:freeleech" {
			flagContribution = &ranked[0].Contributions[i]
		}
	}
	require.NotNil(t, flagContribution)
	assert.Equal(t, 10.0, flagContribution.Weighted)
}

func TestUnconfiguredFlagsContributeNothing(t *testing.T) {
	settings := bareSettings()
	settings.FlagWeights = map[string]float64{"internal": 2, "freeleech": 3}

	c := torrent("x", "Dune", 5, mb(100))
	c.Flags = []string{"internal", "freeleech", "halfleech"}

	ranked := Rank([]domain.Candidate{c}, settings)
	require.Len(t, ranked, 1)
	assert.InDelta(t, 5.0, ranked[0].Score, 1e-9)
	assert.Len(t, ranked[0].Contributions, 2)
}

func TestSeederFactorDiminishingReturns(t *testing.T) {
	s := newScorer(Query{}, bareSettings().Normalize())

	low, _ := s.seederFactor(torrent("a", "x", 5, 0))
	mid, _ := s.seederFactor(torrent("b", "x", 500, 0))
	high, _ := s.seederFactor(torrent("c", "x", 5000, 0))

	assert.Less(t, low, mid)
	assert.LessOrEqual(t, mid, high)
	assert.Equal(t, 1.0, high)
	assert.Less(t, high-mid, mid-low)

	usenet := torrent("u", "x", 0, 0)
	usenet.Protocol = domain.ProtocolUsenet
	raw, _ := s.seederFactor(usenet)
	assert.Equal(t, 1.0, raw)
}

func TestSeederFloorPenalty(t *testing.T) {
	settings := bareSettings()
	settings.SeederWeight = 2
	settings.SeederFloor = 3

	ranked := Rank([]domain.Candidate{
		torrent("below", "Dune", 2, mb(100)),
		torrent("above", "Dune", 3, mb(100)),
	}, settings)

	require.Len(t, ranked, 2)
	assert.Equal(t, "above", ranked[0].GUID)
	assert.Equal(t, FactorSeederFloor, ranked[1].Contributions[1].Factor)
	assert.Equal(t, -2.0, ranked[1].Contributions[1].Weighted)
}

func TestSizeFactorCurve(t *testing.T) {
	settings := bareSettings()
	settings.SizeWeight = 1
	settings.TargetSizeMinMB = 100
	settings.TargetSizeMaxMB = 200
	settings.SizeToleranceMB = 100
	s := newScorer(Query{}, settings.Normalize())

	tests := []struct {
		sizeMB float64
		want   float64
	}{
		{150, 1},
		{100, 1},
		{200, 1},
		{250, 0},
		{225, 0.5},
		{50, 0},
		{400, -1},
		{0, -1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0fMB", tt.sizeMB), func(t *testing.T) {
			raw, _ := s.sizeFactor(torrent("x", "x", 1, mb(tt.sizeMB)))
			assert.InDelta(t, tt.want, raw, 1e-9)
		})
	}
}

func TestAgeBias(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := torrent("x", "x", 1, mb(100))
	c.PublishDate = now.Add(-73 * 24 * time.Hour)

	for _, tt := range []struct {
		bias domain.AgeBias
		want float64
	}{
		{domain.AgeBiasNewer, 0.8},
		{domain.AgeBiasOlder, 0.2},
	} {
		settings := bareSettings()
		settings.AgeBias = tt.bias
		settings.AgeWeight = 1
		s := newScorer(Query{Now: now}, settings.Normalize())

		raw, _ := s.ageFactor(c)
		assert.InDelta(t, tt.want, raw, 1e-9, string(tt.bias))
	}

	neutral := bareSettings()
	neutral.AgeWeight = 5
	ranked := Evaluate(Query{Now: now}, []domain.Candidate{c}, neutral).Ranked
	require.Len(t, ranked, 1)
	assert.Zero(t, ranked[0].Score)
}

func TestNewerBiasPrefersRecentRelease(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	settings := bareSettings()
	settings.AgeBias = domain.AgeBiasNewer
	settings.AgeWeight = 1

	old := torrent("old", "Dune", 10, mb(100))
	old.PublishDate = now.AddDate(-2, 0, 0)
	recent := torrent("recent", "Dune", 10, mb(100))
	recent.PublishDate = now.AddDate(0, -1, 0)

	ranked := Evaluate(Query{Now: now}, []domain.Candidate{old, recent}, settings).Ranked
	assert.Equal(t, []string{"recent", "old"}, guids(ranked))
}

func TestTitleMatch(t *testing.T) {
	settings := bareSettings()
	settings.TitleMatchWeight = 1
	query := Query{Title: "Project Hail Mary", Author: "Andy Weir"}
	s := newScorer(query, settings.Normalize())

	exact, _ := matchFactor(s.queryTokens, "Andy Weir - Project Hail Mary (2021) [m4b]")
	assert.Equal(t, 1.0, exact)

	none, _ := matchFactor(s.queryTokens, "Completely Unrelated")
	assert.Equal(t, 0.0, none)

	partial, _ := matchFactor(s.queryTokens, "Project.Hail.Mary")
	assert.InDelta(t, 3.0/5.0, partial, 1e-9)

	ranked := Evaluate(query, []domain.Candidate{
		torrent("wrong", "Artemis", 10, mb(300)),
		torrent("right", "Project Hail Mary", 10, mb(300)),
	}, settings).Ranked
	assert.Equal(t, "right", ranked[0].GUID)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		title string
		want  Format
	}{
		{"Andy Weir - Project Hail Mary [M4B]", FormatM4B},
		{"Dune.2019.Unabridged.FLAC", FormatFLAC},
		{"Dune (mp3 64kbps)", FormatMP3},
		{"Dune m4a", FormatAAC},
		{"Dune", FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.title))
		})
	}
}

func TestFormatWeights(t *testing.T) {
	settings := bareSettings()
	settings.FormatWeights = map[string]float64{"m4b": 2, "mp3": 1}

	ranked := Rank([]domain.Candidate{
		torrent("mp3", "Dune mp3", 10, mb(300)),
		torrent("m4b", "Dune m4b", 10, mb(300)),
		torrent("plain", "Dune", 10, mb(300)),
	}, settings)

	assert.Equal(t, []string{"m4b", "mp3", "plain"}, guids(ranked))
	assert.Equal(t, 2.0, ranked[0].Score)
}

func TestValidateSettings(t *testing.T) {
	settings := domain.DefaultAutoDownloadSettings()
	require.NoError(t, ValidateSettings(settings))

	settings.IncludePattern = "("
	settings.FilterExpression = "seeders >"
	settings.MinSizeMB = 100
	settings.MaxSizeMB = 10

	err := ValidateSettings(settings)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "includePattern")
	assert.Contains(t, err.Error(), "filterExpression")
	assert.Contains(t, err.Error(), "minSizeMb")
}

func TestInvalidPatternDisablesFilter(t *testing.T) {
	settings := bareSettings()
	settings.ExcludePattern = "("

	ranked := Rank([]domain.Candidate{torrent("a", "Dune (", 1, mb(10))}, settings)
	assert.Len(t, ranked, 1)
}

func TestFilterExpressionFlags(t *testing.T) {
	settings := bareSettings()
	settings.FilterExpression = `"freeleech" in flags`

	fl := torrent("fl", "Dune", 1, mb(10))
	fl.Flags = []string{"FREELEECH"}

	result := Evaluate(Query{}, []domain.Candidate{fl, torrent("paid", "Dune", 1, mb(10))}, settings)
	assert.Equal(t, []string{"fl"}, guids(result.Ranked))
	reason, ok := result.Excluded("paid")
	require.True(t, ok)
	assert.Equal(t, FilterExpression, reason)
}

func TestIndexerWeights(t *testing.T) {
	settings := bareSettings()
	settings.IndexerWeights = map[int]float64{2: 4, 3: -1}

	preferred := torrent("preferred", "Dune", 5, mb(300))
	preferred.IndexerID, preferred.Indexer = 2, "MyAnonamouse"
	unlisted := torrent("unlisted", "Dune", 50, mb(300))
	unlisted.IndexerID = 7
	demoted := torrent("demoted", "Dune", 500, mb(300))
	demoted.IndexerID = 3

	ranked := Rank([]domain.Candidate{demoted, unlisted, preferred}, settings)
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"preferred", "unlisted", "demoted"}, guids(ranked))

	require.Len(t, ranked[0].Contributions, 1)
	assert.Equal(t, "indexer:2", ranked[0].Contributions[0].Factor)
	assert.Equal(t, "MyAnonamouse", ranked[0].Contributions[0].Detail)
	assert.Equal(t, 4.0, ranked[0].Score)
	assert.Empty(t, ranked[1].Contributions)
	assert.Equal(t, -1.0, ranked[2].Score)
}

func TestNarratorMatch(t *testing.T) {
	settings := bareSettings()
	settings.NarratorMatchWeight = 2
	query := Query{Title: "Project Hail Mary", Author: "Andy Weir", Narrator: "Ray Porter"}

	tests := []struct {
		name  string
		title string
		want  float64
	}{
		{name: "narrator named", title: "Project Hail Mary - Andy Weir (Ray Porter) m4b", want: 2},
		{name: "surname only", title: "Project Hail Mary [Porter]", want: 1},
		{name: "other narrator", title: "Project Hail Mary (Wil Wheaton)", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranked := Evaluate(query, []domain.Candidate{torrent("x", tt.title, 1, mb(300))}, settings).Ranked
			require.Len(t, ranked, 1)
			require.Len(t, ranked[0].Contributions, 1)
			assert.Equal(t, FactorNarratorMatch, ranked[0].Contributions[0].Factor)
			assert.InDelta(t, tt.want, ranked[0].Score, 1e-9)
		})
	}

	noNarrator := Evaluate(Query{Title: "Project Hail Mary"}, []domain.Candidate{torrent("x", "Project Hail Mary (Ray Porter)", 1, mb(300))}, settings).Ranked
	require.Len(t, noNarrator, 1)
	assert.Empty(t, noNarrator[0].Contributions)
}

func TestNearTiesOrderIndependent(t *testing.T) {
	base := []RankedCandidate{
		{Candidate: torrent("a", "A", 10, mb(100)), Score: 1.0},
		{Candidate: torrent("b", "B", 20, mb(100)), Score: 1.0 + 0.3*scoreEpsilon},
		{Candidate: torrent("c", "C", 30, mb(100)), Score: 1.0 + 0.6*scoreEpsilon},
		{Candidate: torrent("d", "D", 5, mb(100)), Score: 1.0 + 0.9*scoreEpsilon},
		{Candidate: torrent("e", "E", 1, mb(100)), Score: 2.0},
	}

	want := slices.Clone(base)
	slices.SortStableFunc(want, compareRanked)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		shuffled := slices.Clone(base)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		slices.SortStableFunc(shuffled, compareRanked)
		assert.Equal(t, guids(want), guids(shuffled), "shuffle %d", i)
	}

	for _, a := range base {
		for _, b := range base {
			for _, c := range base {
				if compareRanked(a, b) < 0 && compareRanked(b, c) < 0 {
					assert.Negative(t, compareRanked(a, c), "%s < %s < %s", a.GUID, b.GUID, c.GUID)
				}
			}
		}
	}
}
