// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package lifecycle

import (
	"time"

	"github.com/autobrr/abr/internal/domain"
)

// Config controls retries, download timeouts and the re-check cadence.
type Config struct {
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DownloadTimeout time.Duration
	RecheckInterval time.Duration
	HistorySize     int
}

const defaultHistorySize = 50

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryBaseDelay:  5 * time.Minute,
		RetryMaxDelay:   6 * time.Hour,
		DownloadTimeout: 48 * time.Hour,
		RecheckInterval: time.Minute,
		HistorySize:     defaultHistorySize,
	}
}

// ConfigFromDomain maps the process configuration onto lifecycle settings.
func ConfigFromDomain(cfg *domain.Config) Config {
	return Config{
		MaxRetries:      cfg.MaxRetries,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		DownloadTimeout: cfg.DownloadTimeout,
		RecheckInterval: cfg.RecheckInterval,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = def.DownloadTimeout
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = def.RecheckInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	return c
}

// retryDelay returns min(base * 2^retryCount, max).
func (c Config) retryDelay(retryCount int) time.Duration {
	delay := c.RetryBaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= c.RetryMaxDelay || delay <= 0 {
			return c.RetryMaxDelay
		}
	}
	if delay > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return delay
}
