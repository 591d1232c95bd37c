// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/api/handlers"
	"github.com/autobrr/abr/internal/api/middleware"
	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/qbittorrent"
)

type Server struct {
	server *http.Server
	logger zerolog.Logger
	config *domain.Config

	requests     handlers.RequestService
	settings     handlers.SettingsStore
	targets      handlers.NotificationTargetStore
	notifier     handlers.NotificationTester
	roles        middleware.RoleSource
	qbittorrent  *qbittorrent.Client
	healthChecks map[string]handlers.HealthChecker
}

type Dependencies struct {
	Config       *domain.Config
	Requests     handlers.RequestService
	Settings     handlers.SettingsStore
	Targets      handlers.NotificationTargetStore
	Notifier     handlers.NotificationTester
	Roles        middleware.RoleSource
	QBittorrent  *qbittorrent.Client
	HealthChecks map[string]handlers.HealthChecker
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:       log.Logger.With().Str("module", "api").Logger(),
		config:       deps.Config,
		requests:     deps.Requests,
		settings:     deps.Settings,
		targets:      deps.Targets,
		notifier:     deps.Notifier,
		roles:        deps.Roles,
		qbittorrent:  deps.QBittorrent,
		healthChecks: deps.HealthChecks,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msg("api: failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("baseUrl", s.config.BaseURL).
		Msgf("api: starting server on http://%s%s", host, s.baseURL())

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) baseURL() string {
	base := strings.TrimSpace(s.config.BaseURL)
	if base == "" {
		return "/"
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type", s.userHeader()},
		MaxAge:           300,
	}
	if len(s.config.CORSAllowedOrigins) > 0 {
		opts.AllowedOrigins = s.config.CORSAllowedOrigins
	} else {
		opts.AllowOriginFunc = func(string) bool { return true }
	}
	return opts
}

func (s *Server) userHeader() string {
	if h := strings.TrimSpace(s.config.AuthHeader); h != "" {
		return h
	}
	return middleware.DefaultUserHeader
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("api: failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	r.Use(cors.New(s.corsOptions()).Handler)

	healthHandler := handlers.NewHealthHandler(s.healthChecks)
	requestsHandler := handlers.NewRequestsHandler(s.requests)
	settingsHandler := handlers.NewAutoDownloadSettingsHandler(s.settings)
	notificationsHandler := handlers.NewNotificationsHandler(s.targets, s.notifier)
	downloadClientHandler := handlers.NewDownloadClientHandler(s.qbittorrent)

	apiRouter := chi.NewRouter()
	apiRouter.Get("/health", healthHandler.HandleHealth)

	apiRouter.Group(func(r chi.Router) {
		r.Use(middleware.RemoteUser(s.userHeader(), s.roles, s.logger))
		r.Use(middleware.Logger(s.logger))

		requestsHandler.Routes(r)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(domain.RoleAdmin))

			r.Get("/settings/autodownload", settingsHandler.Get)
			r.Put("/settings/autodownload", settingsHandler.Update)

			notificationsHandler.Routes(r)

			r.Get("/download-client", downloadClientHandler.GetCapabilities)
			r.Get("/health/ready", healthHandler.HandleReady)
		})
	})

	base := s.baseURL()
	r.Get("/health", healthHandler.HandleHealth)
	r.Mount(base+"api", apiRouter)

	if base != "/" {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("Must use baseUrl: " + s.config.BaseURL + " instead of /"))
		})
	}

	return r
}
