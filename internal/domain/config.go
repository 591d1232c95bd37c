// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// Config is the process-wide configuration loaded from config.toml and ABR__ environment variables.
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	// Header set by the fronting reverse proxy with the authenticated username.
	AuthHeader         string   `toml:"authHeader" mapstructure:"authHeader"`
	CORSAllowedOrigins []string `toml:"corsAllowedOrigins" mapstructure:"corsAllowedOrigins"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	ProwlarrURL        string        `toml:"prowlarrUrl" mapstructure:"prowlarrUrl"`
	ProwlarrAPIKey     string        `toml:"prowlarrApiKey" mapstructure:"prowlarrApiKey"`
	ProwlarrIndexerIDs []int         `toml:"prowlarrIndexerIds" mapstructure:"prowlarrIndexerIds"`
	ProwlarrCategories []int         `toml:"prowlarrCategories" mapstructure:"prowlarrCategories"`
	ProwlarrTimeout    time.Duration `toml:"prowlarrTimeout" mapstructure:"prowlarrTimeout"`
	ProwlarrCacheTTL   time.Duration `toml:"prowlarrCacheTtl" mapstructure:"prowlarrCacheTtl"`
	ProwlarrRateLimit  time.Duration `toml:"prowlarrRateLimit" mapstructure:"prowlarrRateLimit"`

	// Submitter selects where torrent candidates are sent: "qbittorrent" or "prowlarr".
	// Usenet and direct candidates always go through the Prowlarr grab endpoint.
	Submitter            string `toml:"submitter" mapstructure:"submitter"`
	QBittorrentHost      string `toml:"qbittorrentHost" mapstructure:"qbittorrentHost"`
	QBittorrentUsername  string `toml:"qbittorrentUsername" mapstructure:"qbittorrentUsername"`
	QBittorrentPassword  string `toml:"qbittorrentPassword" mapstructure:"qbittorrentPassword"`
	QBittorrentBasicUser string `toml:"qbittorrentBasicUser" mapstructure:"qbittorrentBasicUser"`
	QBittorrentBasicPass string `toml:"qbittorrentBasicPass" mapstructure:"qbittorrentBasicPass"`
	QBittorrentTLSSkip   bool   `toml:"qbittorrentTlsSkipVerify" mapstructure:"qbittorrentTlsSkipVerify"`
	QBittorrentCategory  string `toml:"qbittorrentCategory" mapstructure:"qbittorrentCategory"`
	QBittorrentSavePath  string `toml:"qbittorrentSavePath" mapstructure:"qbittorrentSavePath"`

	MaxRetries      int           `toml:"maxRetries" mapstructure:"maxRetries"`
	RetryBaseDelay  time.Duration `toml:"retryBaseDelay" mapstructure:"retryBaseDelay"`
	RetryMaxDelay   time.Duration `toml:"retryMaxDelay" mapstructure:"retryMaxDelay"`
	DownloadTimeout time.Duration `toml:"downloadTimeout" mapstructure:"downloadTimeout"`
	RecheckInterval time.Duration `toml:"recheckInterval" mapstructure:"recheckInterval"`

	NotificationRetries int           `toml:"notificationRetries" mapstructure:"notificationRetries"`
	NotificationTimeout time.Duration `toml:"notificationTimeout" mapstructure:"notificationTimeout"`
}
