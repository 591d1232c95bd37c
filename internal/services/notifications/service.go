// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package notifications

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/abr/internal/buildinfo"
	"github.com/autobrr/abr/internal/metrics"
	"github.com/autobrr/abr/internal/models"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
	maxParallel     = 8
)

var ErrUnknownKind = errors.New("unknown notification kind")

// TargetStore is the read side of the notification target store.
type TargetStore interface {
	ListForEvent(ctx context.Context, event string) ([]*models.NotificationTarget, error)
}

type Config struct {
	Timeout  time.Duration
	Attempts uint
	Delay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Attempts == 0 {
		c.Attempts = defaultAttempts
	}
	if c.Delay <= 0 {
		c.Delay = defaultDelay
	}
	return c
}

type Service struct {
	store   TargetStore
	client  *http.Client
	metrics *metrics.Manager

	mu  sync.RWMutex
	cfg Config

	wg sync.WaitGroup
}

func NewService(store TargetStore, cfg Config, m *metrics.Manager) *Service {
	return &Service{
		store:   store,
		client:  &http.Client{},
		metrics: m,
		cfg:     cfg.withDefaults(),
	}
}

// UpdateConfig applies new delivery settings to dispatches started afterwards.
func (s *Service) UpdateConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Dispatch sends the event to every subscribed target in the background.
// Errors are logged and never returned.
func (s *Service) Dispatch(ctx context.Context, event Event, payload Payload) {
	if s == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(context.WithoutCancel(ctx), event, payload)
	}()
}

// Wait blocks until all in-flight dispatches have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) dispatch(ctx context.Context, event Event, payload Payload) {
	targets, err := s.store.ListForEvent(ctx, string(event))
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("notifications: failed to load targets")
		return
	}
	if len(targets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for _, target := range targets {
		g.Go(func() error {
			if err := s.send(gctx, target, event, payload); err != nil {
				log.Warn().
					Err(err).
					Int64("targetID", target.ID).
					Str("target", target.Name).
					Str("kind", target.Kind).
					Str("event", string(event)).
					Msg("notifications: delivery dropped")
			}
			// Never cancel sibling deliveries.
			return nil
		})
	}

	_ = g.Wait()
}

// Test sends a sample message to a single target and reports the outcome.
func (s *Service) Test(ctx context.Context, target *models.NotificationTarget) error {
	return s.send(ctx, target, EventTest, Payload{
		User:         "abr",
		BookTitle:    "Test Notification",
		BookAuthors:  "abr",
		ReleaseTitle: "Test Notification [m4b]",
	})
}

func (s *Service) send(ctx context.Context, target *models.NotificationTarget, event Event, payload Payload) error {
	kind := strings.ToLower(target.Kind)
	build, ok := builders[kind]
	if !ok {
		return errors.Wrapf(ErrUnknownKind, "kind %q", target.Kind)
	}

	titleTmpl := target.TitleTemplate
	if strings.TrimSpace(titleTmpl) == "" {
		titleTmpl = defaultTitleTemplate
	}
	bodyTmpl := target.BodyTemplate
	if strings.TrimSpace(bodyTmpl) == "" {
		bodyTmpl = defaultBodyTemplate
	}

	req, err := build(target.URL, message{
		Title: render(titleTmpl, event, payload),
		Body:  render(bodyTmpl, event, payload),
	})
	if err != nil {
		return errors.Wrap(err, "build payload")
	}

	cfg := s.config()
	err = retry.Do(
		func() error {
			return s.post(ctx, cfg.Timeout, target, req)
		},
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Int64("targetID", target.ID).Msg("notifications: retrying delivery")
		}),
	)

	s.metrics.ObserveNotification(kind, err)
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (s *Service) post(ctx context.Context, timeout time.Duration, target *models.NotificationTarget, req request) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", buildinfo.UserAgent)
	for k, v := range target.Headers {
		httpReq.Header.Set(k, v)
	}
	if target.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+target.Token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
		// Client errors will not fix themselves.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Unrecoverable(serr)
		}
		return serr
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
