// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ranking

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/autobrr/abr/internal/domain"
)

const bytesPerMB = 1024 * 1024

type hardFilters struct {
	settings domain.AutoDownloadSettings
	include  *regexp.Regexp
	exclude  *regexp.Regexp
	program  *vm.Program
}

// expressionEnv is the environment visible to FilterExpression.
type expressionEnv struct {
	Title    string   `expr:"title"`
	Size     int64    `expr:"size"`
	SizeMB   float64  `expr:"size_mb"`
	Seeders  int      `expr:"seeders"`
	Peers    int      `expr:"peers"`
	Protocol string   `expr:"protocol"`
	Indexer  string   `expr:"indexer"`
	Flags    []string `expr:"flags"`
	AgeDays  float64  `expr:"age_days"`
}

// compileFilters prepares the hard filters. Invalid patterns disable their filter;
// ValidateSettings reports them to whoever saves the settings.
func compileFilters(settings domain.AutoDownloadSettings) hardFilters {
	f := hardFilters{settings: settings}
	f.include, _ = compilePattern(settings.IncludePattern)
	f.exclude, _ = compilePattern(settings.ExcludePattern)
	f.program, _ = compileExpression(settings.FilterExpression)
	return f
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile("(?i)" + pattern)
}

func compileExpression(code string) (*vm.Program, error) {
	if code == "" {
		return nil, nil
	}
	return expr.Compile(code, expr.Env(expressionEnv{}), expr.AsBool())
}

// check returns false with a reason when the candidate must be dropped.
func (f hardFilters) check(c domain.Candidate, now time.Time) (FilterReason, bool) {
	if c.Size < 0 {
		return FilterNegativeSize, false
	}
	if !f.settings.AllowsProtocol(c.Protocol) {
		return FilterProtocolNotAllowed, false
	}
	sizeMB := float64(c.Size) / bytesPerMB
	if f.settings.MinSizeMB > 0 && sizeMB < f.settings.MinSizeMB {
		return FilterSizeOutOfBounds, false
	}
	if f.settings.MaxSizeMB > 0 && sizeMB > f.settings.MaxSizeMB {
		return FilterSizeOutOfBounds, false
	}
	if f.exclude != nil && f.exclude.MatchString(c.Title) {
		return FilterExcludePattern, false
	}
	if f.include != nil && !f.include.MatchString(c.Title) {
		return FilterIncludePattern, false
	}
	if f.program != nil {
		env := expressionEnv{
			Title:    c.Title,
			Size:     c.Size,
			SizeMB:   sizeMB,
			Seeders:  c.Seeders,
			Peers:    c.Peers,
			Protocol: string(c.Protocol),
			Indexer:  c.Indexer,
			Flags:    c.Flags,
			AgeDays:  c.Age(now).Hours() / 24,
		}
		out, err := expr.Run(f.program, env)
		if err != nil {
			return FilterExpression, false
		}
		if pass, ok := out.(bool); !ok || !pass {
			return FilterExpression, false
		}
	}
	return "", true
}

// ValidateSettings reports patterns and expressions that would silently disable a filter.
func ValidateSettings(settings domain.AutoDownloadSettings) error {
	var errs []error
	if _, err := compilePattern(settings.IncludePattern); err != nil {
		errs = append(errs, fmt.Errorf("includePattern: %w", err))
	}
	if _, err := compilePattern(settings.ExcludePattern); err != nil {
		errs = append(errs, fmt.Errorf("excludePattern: %w", err))
	}
	if _, err := compileExpression(settings.FilterExpression); err != nil {
		errs = append(errs, fmt.Errorf("filterExpression: %w", err))
	}
	if settings.MaxSizeMB > 0 && settings.MinSizeMB > settings.MaxSizeMB {
		errs = append(errs, fmt.Errorf("minSizeMb %.0f exceeds maxSizeMb %.0f", settings.MinSizeMB, settings.MaxSizeMB))
	}
	if settings.MinimumRole != "" && !settings.MinimumRole.Valid() {
		errs = append(errs, fmt.Errorf("minimumRole: unknown role %q", settings.MinimumRole))
	}
	return errors.Join(errs...)
}
