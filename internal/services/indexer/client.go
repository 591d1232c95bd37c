// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/autobrr/abr/internal/buildinfo"
	"github.com/autobrr/abr/internal/domain"
)

const (
	searchLimit       = 100
	maxErrorBodyBytes = 512
	defaultTimeout    = 30 * time.Second
)

// Config configures the Prowlarr HTTP client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RateLimit  time.Duration // minimum spacing between calls; zero disables limiting
	HTTPClient *http.Client
}

// Client talks to the Prowlarr v1 API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Every(cfg.RateLimit)
	}

	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Configured reports whether a base URL and API key are set.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// searchResult mirrors one element of the /api/v1/search response.
type searchResult struct {
	GUID         string    `json:"guid"`
	IndexerID    int       `json:"indexerId"`
	Indexer      string    `json:"indexer"`
	Title        string    `json:"title"`
	Size         int64     `json:"size"`
	Seeders      *int      `json:"seeders"`
	Leechers     *int      `json:"leechers"`
	Grabs        *int      `json:"grabs"`
	Protocol     string    `json:"protocol"`
	IndexerFlags []string  `json:"indexerFlags"`
	DownloadURL  string    `json:"downloadUrl"`
	MagnetURL    string    `json:"magnetUrl"`
	InfoURL      string    `json:"infoUrl"`
	PublishDate  time.Time `json:"publishDate"`
}

// Indexer is a configured Prowlarr indexer.
type Indexer struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Enable   bool   `json:"enable"`
	Protocol string `json:"protocol"`
	Privacy  string `json:"privacy"`
}

// SearchParams are the Prowlarr search parameters.
type SearchParams struct {
	Query      string
	Categories []int
	IndexerIDs []int
}

// Search runs a free-text search. Results with unknown protocols or without a guid are dropped.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]domain.Candidate, error) {
	values := url.Values{}
	values.Set("query", params.Query)
	values.Set("type", "search")
	values.Set("limit", strconv.Itoa(searchLimit))
	values.Set("offset", "0")
	for _, cat := range params.Categories {
		values.Add("categories", strconv.Itoa(cat))
	}
	for _, id := range params.IndexerIDs {
		values.Add("indexerIds", strconv.Itoa(id))
	}

	var results []searchResult
	if err := c.do(ctx, "search", http.MethodGet, "/api/v1/search", values, nil, &results); err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, 0, len(results))
	for _, r := range results {
		candidate, ok := r.toCandidate()
		if !ok {
			log.Debug().
				Str("guid", r.GUID).
				Str("protocol", r.Protocol).
				Msg("indexer: skipping result")
			continue
		}
		candidates = append(candidates, candidate)
	}

	return candidates, nil
}

func (r searchResult) toCandidate() (domain.Candidate, bool) {
	if r.GUID == "" {
		return domain.Candidate{}, false
	}

	protocol := domain.Protocol(strings.ToLower(r.Protocol))
	switch protocol {
	case domain.ProtocolTorrent, domain.ProtocolUsenet:
	default:
		return domain.Candidate{}, false
	}

	flags := make([]string, 0, len(r.IndexerFlags))
	for _, flag := range r.IndexerFlags {
		flags = append(flags, strings.ToLower(strings.TrimSpace(flag)))
	}

	c := domain.Candidate{
		GUID:        r.GUID,
		IndexerID:   r.IndexerID,
		Indexer:     r.Indexer,
		Title:       r.Title,
		Size:        r.Size,
		PublishDate: r.PublishDate,
		Protocol:    protocol,
		Flags:       flags,
		DownloadURL: r.DownloadURL,
		MagnetURL:   r.MagnetURL,
		InfoURL:     r.InfoURL,
	}
	if r.Seeders != nil {
		c.Seeders = *r.Seeders
	}
	if r.Leechers != nil {
		c.Peers = *r.Leechers
	}
	return c, true
}

// Grab asks Prowlarr to push a release to its configured download client.
func (c *Client) Grab(ctx context.Context, guid string, indexerID int) error {
	body := map[string]any{"guid": guid, "indexerId": indexerID}
	return c.do(ctx, "grab", http.MethodPost, "/api/v1/search", nil, body, nil)
}

// Indexers lists the indexers configured in Prowlarr.
func (c *Client) Indexers(ctx context.Context) ([]Indexer, error) {
	var indexers []Indexer
	if err := c.do(ctx, "indexers", http.MethodGet, "/api/v1/indexer", nil, nil, &indexers); err != nil {
		return nil, err
	}
	return indexers, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if !c.Configured() {
		return &GatewayError{Kind: KindAuthFailure, Op: op, Err: fmt.Errorf("prowlarr url or api key not configured")}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(op, err)
	}

	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return &GatewayError{Kind: KindUnreachable, Op: op, Err: fmt.Errorf("build url: %w", err)}
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &GatewayError{Kind: KindBadResponse, Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &GatewayError{Kind: KindUnreachable, Op: op, Err: err}
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	log.Trace().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("indexer: prowlarr request")

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return statusError(op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return transportError(op, ctx.Err())
		}
		return &GatewayError{Kind: KindBadResponse, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
