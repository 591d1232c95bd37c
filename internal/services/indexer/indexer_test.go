// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/services/download"
)

const testAPIKey = "test-key"

const searchResponse = `[
	{
		"guid": "https://tracker.example/t/1",
		"indexerId": 3,
		"indexer": "MyAnonamouse",
		"title": "Frank Herbert - Dune [M4B]",
		"size": 734003200,
		"seeders": 42,
		"leechers": 3,
		"protocol": "torrent",
		"indexerFlags": ["FreeLeech"],
		"downloadUrl": "https://tracker.example/dl/1",
		"magnetUrl": "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567",
		"infoUrl": "https://tracker.example/t/1",
		"publishDate": "2024-05-01T10:00:00Z"
	},
	{
		"guid": "nzb-7",
		"indexerId": 5,
		"indexer": "NZBgeek",
		"title": "Dune Unabridged",
		"size": 500000000,
		"grabs": 12,
		"protocol": "usenet",
		"publishDate": "2023-01-01T00:00:00Z"
	},
	{
		"guid": "odd",
		"indexerId": 9,
		"title": "Dune",
		"protocol": "unknown",
		"publishDate": "2023-01-01T00:00:00Z"
	},
	{
		"indexerId": 9,
		"title": "No guid",
		"protocol": "torrent",
		"publishDate": "2023-01-01T00:00:00Z"
	}
]`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{BaseURL: server.URL + "/", APIKey: testAPIKey, Timeout: 2 * time.Second}), server
}

func TestClientSearch(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/search", r.URL.Path)
		assert.Equal(t, testAPIKey, r.Header.Get("X-Api-Key"))

		q := r.URL.Query()
		assert.Equal(t, "dune frank herbert", q.Get("query"))
		assert.Equal(t, "search", q.Get("type"))
		assert.Equal(t, "100", q.Get("limit"))
		assert.Equal(t, "0", q.Get("offset"))
		assert.Equal(t, []string{"3030"}, q["categories"])
		assert.Equal(t, []string{"3", "5"}, q["indexerIds"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(searchResponse))
	})

	candidates, err := client.Search(context.Background(), SearchParams{
		Query:      "dune frank herbert",
		Categories: []int{3030},
		IndexerIDs: []int{3, 5},
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	torrent := candidates[0]
	assert.Equal(t, "https://tracker.example/t/1", torrent.GUID)
	assert.Equal(t, 3, torrent.IndexerID)
	assert.Equal(t, "MyAnonamouse", torrent.Indexer)
	assert.Equal(t, domain.ProtocolTorrent, torrent.Protocol)
	assert.Equal(t, 42, torrent.Seeders)
	assert.Equal(t, 3, torrent.Peers)
	assert.Equal(t, int64(734003200), torrent.Size)
	assert.Equal(t, []string{"freeleech"}, torrent.Flags)
	assert.True(t, torrent.HasFlag("FreeLeech"))
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), torrent.PublishDate.UTC())

	usenet := candidates[1]
	assert.Equal(t, domain.ProtocolUsenet, usenet.Protocol)
	assert.Zero(t, usenet.Seeders)
	assert.Empty(t, usenet.Flags)
}

func TestClientOmitsIndexerFilterWhenUnset(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["indexerIds"]
		assert.False(t, present)
		_, _ = w.Write([]byte("[]"))
	})

	candidates, err := client.Search(context.Background(), SearchParams{Query: "x", Categories: []int{3030}})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, kind: KindAuthFailure},
		{name: "forbidden", status: http.StatusForbidden, kind: KindAuthFailure},
		{name: "server_error", status: http.StatusInternalServerError, kind: KindUnreachable},
		{name: "bad_gateway", status: http.StatusBadGateway, kind: KindUnreachable},
		{name: "gateway_timeout", status: http.StatusGatewayTimeout, kind: KindTimeout},
		{name: "not_found", status: http.StatusNotFound, kind: KindBadResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := client.Search(context.Background(), SearchParams{Query: "x"})
			require.Error(t, err)

			var gwErr *GatewayError
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.kind, gwErr.Kind)
			assert.Equal(t, tt.status, gwErr.StatusCode)
			assert.ErrorIs(t, err, ErrGateway)
			assert.ErrorIs(t, err, &GatewayError{Kind: tt.kind})
		})
	}
}

func TestClientMalformedBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})

	_, err := client.Search(context.Background(), SearchParams{Query: "x"})
	assert.ErrorIs(t, err, &GatewayError{Kind: KindBadResponse})
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	client := NewClient(Config{BaseURL: server.URL, APIKey: testAPIKey, Timeout: 50 * time.Millisecond})

	_, err := client.Search(context.Background(), SearchParams{Query: "x"})
	assert.ErrorIs(t, err, &GatewayError{Kind: KindTimeout})
}

func TestClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(Config{BaseURL: url, APIKey: testAPIKey, Timeout: time.Second})
	_, err := client.Search(context.Background(), SearchParams{Query: "x"})
	assert.ErrorIs(t, err, &GatewayError{Kind: KindUnreachable})
}

func TestClientNotConfigured(t *testing.T) {
	client := NewClient(Config{})
	assert.False(t, client.Configured())

	_, err := client.Search(context.Background(), SearchParams{Query: "x"})
	assert.ErrorIs(t, err, &GatewayError{Kind: KindAuthFailure})
}

func TestClientGrab(t *testing.T) {
	var body map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/search", r.URL.Path)
		assert.Equal(t, testAPIKey, r.Header.Get("X-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"guid":"g"}`))
	})

	require.NoError(t, client.Grab(context.Background(), "g", 7))
	assert.Equal(t, "g", body["guid"])
	assert.EqualValues(t, 7, body["indexerId"])
}

func TestClientIndexers(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/indexer", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":3,"name":"MyAnonamouse","enable":true,"protocol":"torrent","privacy":"private"}]`))
	})

	indexers, err := client.Indexers(context.Background())
	require.NoError(t, err)
	require.Len(t, indexers, 1)
	assert.Equal(t, "MyAnonamouse", indexers[0].Name)
	assert.True(t, indexers[0].Enable)
}

func TestServiceCachesByNormalizedQuery(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(searchResponse))
	})
	svc := NewService(client, ServiceConfig{Categories: []int{3030}})
	ctx := context.Background()

	first, err := svc.Search(ctx, domain.BookQuery{Title: "Dune", Author: "Frank Herbert"}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := svc.Search(ctx, domain.BookQuery{Title: "  dune ", Author: "FRANK   herbert"}, SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls.Load())

	// callers get their own slice
	second[0].Title = "changed"
	third, err := svc.Search(ctx, domain.BookQuery{Title: "Dune", Author: "Frank Herbert"}, SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Frank Herbert - Dune [M4B]", third[0].Title)

	_, err = svc.Search(ctx, domain.BookQuery{Title: "Dune", Author: "Frank Herbert"}, SearchOptions{Force: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	svc.Flush()
	_, err = svc.Search(ctx, domain.BookQuery{Title: "Dune", Author: "Frank Herbert"}, SearchOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestServiceDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("[]"))
	})
	svc := NewService(client, ServiceConfig{})

	_, err := svc.Search(context.Background(), domain.BookQuery{Title: "Dune"}, SearchOptions{})
	assert.ErrorIs(t, err, &GatewayError{Kind: KindUnreachable})

	results, err := svc.Search(context.Background(), domain.BookQuery{Title: "Dune"}, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestServiceCollapsesConcurrentSearches(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		_, _ = w.Write([]byte(searchResponse))
	})
	svc := NewService(client, ServiceConfig{})

	const callers = 5
	var wg sync.WaitGroup
	results := make([][]domain.Candidate, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = svc.Search(context.Background(), domain.BookQuery{Title: "Dune"}, SearchOptions{Force: true})
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Search(context.Background(), domain.BookQuery{Title: "Dune"}, SearchOptions{Force: true})
		}(i)
	}

	// give the followers time to join the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Len(t, results[i], 2)
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestServiceSearchHonoursCallerContext(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("[]"))
	})
	t.Cleanup(func() { close(release) })
	svc := NewService(client, ServiceConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Search(ctx, domain.BookQuery{Title: "Dune"}, SearchOptions{})
	assert.ErrorIs(t, err, &GatewayError{Kind: KindTimeout})
}

func TestServiceReconfigureFlushes(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("[]"))
	})
	svc := NewService(client, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Search(ctx, domain.BookQuery{Title: "Dune"}, SearchOptions{})
	require.NoError(t, err)

	svc.Reconfigure(client, ServiceConfig{CacheTTL: time.Hour})
	_, err = svc.Search(ctx, domain.BookQuery{Title: "Dune"}, SearchOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCacheKeyIncludesSearchScope(t *testing.T) {
	a := cacheKey("dune", ServiceConfig{Categories: []int{3030}})
	b := cacheKey("dune", ServiceConfig{Categories: []int{3030}, IndexerIDs: []int{1}})
	c := cacheKey("dune", ServiceConfig{Categories: []int{3030}})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
}

func TestGrabSubmitter(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	})
	submitter := NewGrabSubmitter(NewService(client, ServiceConfig{}))
	ctx := context.Background()

	handle, err := submitter.Submit(ctx, domain.Candidate{GUID: "nzb-7", IndexerID: 5, Protocol: domain.ProtocolUsenet})
	require.NoError(t, err)
	assert.Equal(t, download.TrackingHandle("prowlarr:nzb-7"), handle)

	st, err := submitter.PollStatus(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, download.StatusSucceeded, st)

	_, err = submitter.PollStatus(ctx, "abcdef")
	assert.ErrorIs(t, err, &download.SubmitError{Code: download.CodeUnknownHandle})

	_, err = submitter.Submit(ctx, domain.Candidate{})
	assert.ErrorIs(t, err, &download.SubmitError{Code: download.CodeInvalidRelease})

	tests := []struct {
		status    int
		code      string
		permanent bool
	}{
		{http.StatusServiceUnavailable, download.CodeUnreachable, false},
		{http.StatusUnauthorized, download.CodeAuthFailure, true},
		{http.StatusNotFound, download.CodeRejected, true},
		{http.StatusGatewayTimeout, download.CodeTimeout, false},
	}
	for _, tt := range tests {
		status.Store(int32(tt.status))
		_, err := submitter.Submit(ctx, domain.Candidate{GUID: "g"})
		var se *download.SubmitError
		require.True(t, errors.As(err, &se), "status %d", tt.status)
		assert.Equal(t, tt.code, se.Code)
		assert.Equal(t, tt.permanent, se.Permanent)
	}
}
