// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package indexer is the gateway to the Prowlarr indexer aggregator: searching,
// caching search results and grabbing releases.
package indexer

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/abr/internal/domain"
)

const defaultCacheTTL = 24 * time.Hour

// ServiceConfig holds the search defaults applied to every query.
type ServiceConfig struct {
	Categories []int
	IndexerIDs []int
	CacheTTL   time.Duration
}

// SearchOptions tweaks a single search.
type SearchOptions struct {
	// Force bypasses the source cache; the fresh result still refreshes it.
	Force bool
}

// Service caches Prowlarr search results per normalized query and collapses
// concurrent identical searches into one upstream call.
type Service struct {
	mu     sync.RWMutex
	client *Client
	cfg    ServiceConfig
	cache  *ttlcache.Cache[string, []domain.Candidate]
	group  singleflight.Group
}

func NewService(client *Client, cfg ServiceConfig) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Service{
		client: client,
		cfg:    cfg,
		cache: ttlcache.New(ttlcache.Options[string, []domain.Candidate]{}.
			SetDefaultTTL(cfg.CacheTTL).
			DisableUpdateTime(true)),
	}
}

// Reconfigure swaps the client and search defaults, dropping cached results.
func (s *Service) Reconfigure(client *Client, cfg ServiceConfig) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	s.mu.Lock()
	s.client = client
	s.cfg = cfg
	s.mu.Unlock()

	s.Flush()
	log.Info().Dur("cacheTTL", cfg.CacheTTL).Msg("indexer: gateway reconfigured")
}

func (s *Service) snapshot() (*Client, ServiceConfig) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.cfg
}

// Search returns candidates for the book, served from cache unless forced.
func (s *Service) Search(ctx context.Context, query domain.BookQuery, opts SearchOptions) ([]domain.Candidate, error) {
	client, cfg := s.snapshot()

	text := normalizeQuery(query.String())
	key := cacheKey(text, cfg)

	if !opts.Force {
		if cached, ok := s.cache.Get(key); ok {
			log.Debug().Str("query", text).Int("results", len(cached)).Msg("indexer: cache hit")
			return slices.Clone(cached), nil
		}
	}

	ch := s.group.DoChan(key, func() (any, error) {
		// detached so one caller's cancellation does not fail the others sharing this call
		results, err := client.Search(context.WithoutCancel(ctx), SearchParams{
			Query:      text,
			Categories: cfg.Categories,
			IndexerIDs: cfg.IndexerIDs,
		})
		if err != nil {
			return nil, err
		}
		s.cache.Set(key, results, cfg.CacheTTL)
		log.Debug().Str("query", text).Int("results", len(results)).Msg("indexer: search completed")
		return results, nil
	})

	select {
	case <-ctx.Done():
		return nil, transportError("search", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]domain.Candidate)), nil
	}
}

// Grab forwards a release to Prowlarr's download client.
func (s *Service) Grab(ctx context.Context, guid string, indexerID int) error {
	client, _ := s.snapshot()
	return client.Grab(ctx, guid, indexerID)
}

func (s *Service) Indexers(ctx context.Context) ([]Indexer, error) {
	client, _ := s.snapshot()
	return client.Indexers(ctx)
}

// HealthCheck verifies Prowlarr answers an authenticated request.
func (s *Service) HealthCheck(ctx context.Context) error {
	_, err := s.Indexers(ctx)
	return err
}

// Flush drops every cached search result.
func (s *Service) Flush() {
	for _, key := range s.cache.GetKeys() {
		s.cache.Delete(key)
	}
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func cacheKey(query string, cfg ServiceConfig) string {
	var sb strings.Builder
	sb.WriteString(query)
	sb.WriteString("|c")
	for _, c := range cfg.Categories {
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(c))
	}
	sb.WriteString("|i")
	for _, id := range cfg.IndexerIDs {
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(id))
	}
	return strconv.FormatUint(xxhash.Sum64String(sb.String()), 16)
}
