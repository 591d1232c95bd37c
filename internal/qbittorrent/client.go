// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	stdlog "log"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// Oldest WebAPI that understands tags and the torrents/add url form we rely on.
	minWebAPIVersion        = semver.MustParse("2.0.0")
	setTagsMinVersion       = semver.MustParse("2.11.4")
	subcategoriesMinVersion = semver.MustParse("2.9.0")
)

const minHealthCheckInterval = 30 * time.Second

var ErrUnsupportedVersion = errors.New("qbittorrent webapi version not supported")

// Config describes a single qBittorrent instance used as the torrent download client.
type Config struct {
	Host          string
	Username      string
	Password      string
	BasicUser     string
	BasicPass     string
	TLSSkipVerify bool
	Timeout       time.Duration
	Category      string
	SavePath      string
}

type Client struct {
	*qbt.Client
	cfg                   Config
	webAPIVersion         string
	supportsSetTags       bool
	supportsSubcategories bool
	ready                 bool
	lastHealthCheck       time.Time
	isHealthy             bool
	mu                    sync.RWMutex
	healthMu              sync.RWMutex
}

// NewClient builds a client without contacting the instance. Login and the
// WebAPI capability check happen on first use.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	qbtCfg := qbt.Config{
		Host:          cfg.Host,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(cfg.Timeout.Seconds()),
		TLSSkipVerify: cfg.TLSSkipVerify,
		RetryAttempts: 2,
		Log:           stdlog.New(log.Logger.With().Str("module", "qbittorrent").Logger(), "", 0),
	}
	if cfg.BasicUser != "" {
		qbtCfg.BasicUser = cfg.BasicUser
		qbtCfg.BasicPass = cfg.BasicPass
	}

	return &Client{
		Client: qbt.NewClient(qbtCfg),
		cfg:    cfg,
	}
}

// Connect logs in and verifies the WebAPI version. It is a no-op once it has succeeded.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()
	if ready {
		return nil
	}

	if err := c.Client.LoginCtx(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "failed to connect to qBittorrent instance")
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		c.updateHealthStatus(false)
		return err
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.updateHealthStatus(true)

	log.Debug().
		Str("host", c.cfg.Host).
		Str("webAPIVersion", c.GetWebAPIVersion()).
		Bool("supportsSetTags", c.SupportsSetTags()).
		Bool("supportsSubcategories", c.SupportsSubcategories()).
		Bool("tlsSkipVerify", c.cfg.TLSSkipVerify).
		Msg("qbittorrent: client connected")

	return nil
}

// RefreshCapabilities fetches the WebAPI version and recalculates feature support flags.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	version, err := c.Client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return err
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("web API version is empty")
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(ErrUnsupportedVersion, "unparsable version %q", version)
	}
	if v.LessThan(minWebAPIVersion) {
		return errors.Wrapf(ErrUnsupportedVersion, "version %s is older than %s", version, minWebAPIVersion)
	}

	c.mu.Lock()
	previousVersion := c.webAPIVersion
	c.webAPIVersion = version
	c.supportsSetTags = !v.LessThan(setTagsMinVersion)
	c.supportsSubcategories = !v.LessThan(subcategoriesMinVersion)
	c.mu.Unlock()

	if previousVersion != version {
		log.Trace().
			Str("previousWebAPIVersion", previousVersion).
			Str("webAPIVersion", version).
			Msg("qbittorrent: refreshed capabilities")
	}

	return nil
}

// HealthCheck refreshes capabilities at most once per minHealthCheckInterval.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.IsHealthy() && time.Now().Add(-minHealthCheckInterval).Before(c.GetLastHealthCheck()) {
		return nil
	}

	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()
	if !ready {
		return c.Connect(ctx)
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "health check failed")
	}

	c.updateHealthStatus(true)
	return nil
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

func (c *Client) GetWebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) SupportsSetTags() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsSetTags
}

func (c *Client) SupportsSubcategories() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsSubcategories
}
