// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/abr/internal/api"
	"github.com/autobrr/abr/internal/api/handlers"
	"github.com/autobrr/abr/internal/buildinfo"
	"github.com/autobrr/abr/internal/config"
	"github.com/autobrr/abr/internal/database"
	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/metrics"
	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/qbittorrent"
	"github.com/autobrr/abr/internal/services/download"
	"github.com/autobrr/abr/internal/services/indexer"
	"github.com/autobrr/abr/internal/services/lifecycle"
	"github.com/autobrr/abr/internal/services/notifications"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "abr",
		Short: "Audiobook request manager",
		Long: `abr - tracks audiobook requests, searches Prowlarr for releases,
ranks them and hands the best one to a download client.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunUserCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/abr/ or %APPDATA%\\abr\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of abr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/abr/config.toml
- Windows: %APPDATA%\abr\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

// RunUserCommand manages the role table. Identities themselves come from the reverse proxy.
func RunUserCommand() *cobra.Command {
	var configDir, dataDir string

	openStore := func() (*models.UserStore, func(), error) {
		cfg, err := config.New(configDir, buildinfo.Version)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize configuration: %w", err)
		}
		if dataDir != "" {
			cfg.SetDataDir(dataDir)
		}

		db, err := database.New(cfg.GetDatabasePath())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return models.NewUserStore(db), func() { db.Close() }, nil
	}

	command := &cobra.Command{
		Use:   "user",
		Short: "Manage user roles",
	}

	setRole := &cobra.Command{
		Use:   "set-role <username> <admin|trusted|untrusted>",
		Short: "Assign a role to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			if username == "" {
				return fmt.Errorf("username cannot be empty")
			}
			role := domain.Role(strings.ToLower(strings.TrimSpace(args[1])))
			if !role.Valid() {
				return fmt.Errorf("unknown role %q", args[1])
			}

			store, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			user, err := store.SetRole(cmd.Context(), username, role)
			if err != nil {
				return fmt.Errorf("failed to set role: %w", err)
			}

			cmd.Printf("User '%s' is now %s\n", user.Username, user.Role)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users with an assigned role",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			users, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}
			for _, user := range users {
				cmd.Printf("%s\t%s\n", user.Username, user.Role)
			}
			return nil
		},
	}

	command.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")

	command.AddCommand(setRole, list)
	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func indexerConfig(conf *domain.Config) (indexer.Config, indexer.ServiceConfig) {
	clientCfg := indexer.Config{
		BaseURL:   conf.ProwlarrURL,
		APIKey:    conf.ProwlarrAPIKey,
		Timeout:   conf.ProwlarrTimeout,
		RateLimit: conf.ProwlarrRateLimit,
	}
	serviceCfg := indexer.ServiceConfig{
		Categories: conf.ProwlarrCategories,
		IndexerIDs: conf.ProwlarrIndexerIDs,
		CacheTTL:   conf.ProwlarrCacheTTL,
	}
	return clientCfg, serviceCfg
}

func notificationConfig(conf *domain.Config) notifications.Config {
	return notifications.Config{
		Timeout:  conf.NotificationTimeout,
		Attempts: uint(max(conf.NotificationRetries, 0)),
	}
}

// buildRouter wires protocol routes to submitters. Torrents go to qBittorrent when it is
// the configured submitter, everything else is grabbed through Prowlarr.
func buildRouter(conf *domain.Config, gateway *indexer.Service) (*download.Router, *qbittorrent.Client) {
	router := download.NewRouter()
	grab := indexer.NewGrabSubmitter(gateway)
	router.Handle("prowlarr", grab, domain.ProtocolTorrent, domain.ProtocolUsenet, domain.ProtocolDirect)

	if !strings.EqualFold(strings.TrimSpace(conf.Submitter), "qbittorrent") {
		return router, nil
	}

	client := qbittorrent.NewClient(qbittorrent.Config{
		Host:          conf.QBittorrentHost,
		Username:      conf.QBittorrentUsername,
		Password:      conf.QBittorrentPassword,
		BasicUser:     conf.QBittorrentBasicUser,
		BasicPass:     conf.QBittorrentBasicPass,
		TLSSkipVerify: conf.QBittorrentTLSSkip,
		Category:      conf.QBittorrentCategory,
		SavePath:      conf.QBittorrentSavePath,
	})
	router.Handle("qbittorrent", qbittorrent.NewSubmitter(client), domain.ProtocolTorrent)
	return router, client
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if app.dataDir != "" {
		os.Setenv("ABR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("ABR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting abr")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	requestStore := models.NewRequestStore(db)
	attemptStore := models.NewDownloadAttemptStore(db)
	settingsStore := models.NewAutoDownloadSettingsStore(db)
	targetStore := models.NewNotificationTargetStore(db)
	userStore := models.NewUserStore(db)

	metricsManager := metrics.NewMetricsManager()

	clientCfg, serviceCfg := indexerConfig(cfg.Config)
	prowlarrClient := indexer.NewClient(clientCfg)
	if !prowlarrClient.Configured() {
		log.Warn().Msg("Prowlarr URL or API key not configured - searches will fail until it is set")
	}
	gateway := indexer.NewService(prowlarrClient, serviceCfg)

	router, qbtClient := buildRouter(cfg.Config, gateway)
	if qbtClient != nil {
		go func() {
			connCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := qbtClient.Connect(connCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to connect to qBittorrent on startup")
			}
		}()
	}

	notifier := notifications.NewService(targetStore, notificationConfig(cfg.Config), metricsManager)

	manager := lifecycle.NewManager(lifecycle.ConfigFromDomain(cfg.Config), lifecycle.Dependencies{
		Requests:  requestStore,
		Attempts:  attemptStore,
		Settings:  settingsStore,
		Roles:     userStore,
		Gateway:   gateway,
		Submitter: router,
		Notifier:  notifier,
		Metrics:   metricsManager,
	})

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		manager.UpdateConfig(lifecycle.ConfigFromDomain(conf))
		notifier.UpdateConfig(notificationConfig(conf))

		clientCfg, serviceCfg := indexerConfig(conf)
		gateway.Reconfigure(indexer.NewClient(clientCfg), serviceCfg)
	})

	lifecycleCtx, lifecycleCancel := context.WithCancel(context.Background())
	defer lifecycleCancel()

	healthChecks := map[string]handlers.HealthChecker{"prowlarr": gateway}
	if qbtClient != nil {
		healthChecks["qbittorrent"] = qbtClient
	}

	httpServer := api.NewServer(&api.Dependencies{
		Config:       cfg.Config,
		Requests:     manager,
		Settings:     settingsStore,
		Targets:      targetStore,
		Notifier:     notifier,
		Roles:        userStore,
		QBittorrent:  qbtClient,
		HealthChecks: healthChecks,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
		manager.Start(lifecycleCtx)
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	var metricsServer *metrics.Server
	if cfg.Config.MetricsEnabled {
		metricsServer = metrics.NewMetricsServer(metricsManager, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				errorChannel <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exitCode := 0
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		exitCode = 1
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}

	lifecycleCancel()
	notifier.Wait()
	db.Close()

	log.Info().Msg("Server stopped")
	os.Exit(exitCode)
}
