// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package lifecycle owns the request state machine. It is the only code that changes
// a request's state, and the single place where indexer and download client errors
// become durable failure reasons.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/metrics"
	"github.com/autobrr/abr/internal/models"
	"github.com/autobrr/abr/internal/services/autodownload"
	"github.com/autobrr/abr/internal/services/download"
	"github.com/autobrr/abr/internal/services/indexer"
	"github.com/autobrr/abr/internal/services/notifications"
	"github.com/autobrr/abr/internal/services/ranking"
)

const (
	systemActor   = "system"
	evaluationTTL = 24 * time.Hour
)

// Gateway returns candidate releases for a book.
type Gateway interface {
	Search(ctx context.Context, query domain.BookQuery, opts indexer.SearchOptions) ([]domain.Candidate, error)
}

// SettingsSource hands out immutable auto-download settings snapshots.
type SettingsSource interface {
	Snapshot(ctx context.Context) (domain.AutoDownloadSettings, error)
}

// RoleSource resolves a username to its role. Unknown users are untrusted.
type RoleSource interface {
	Role(ctx context.Context, username string) (domain.Role, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, event notifications.Event, payload notifications.Payload)
}

type decideFunc func(*models.Request, []ranking.RankedCandidate, domain.Role, domain.AutoDownloadSettings) autodownload.Decision

// Evaluation is the outcome of the last search of a request. Manual selection
// picks from it.
type Evaluation struct {
	RequestID       int64                       `json:"requestId"`
	Query           string                      `json:"query"`
	SettingsVersion int64                       `json:"settingsVersion"`
	EvaluatedAt     time.Time                   `json:"evaluatedAt"`
	Ranked          []ranking.RankedCandidate   `json:"ranked"`
	Filtered        []ranking.FilteredCandidate `json:"filtered"`
	Decision        *autodownload.Decision      `json:"decision,omitempty"`
}

func (e *Evaluation) result() ranking.Result {
	return ranking.Result{Ranked: e.Ranked, Filtered: e.Filtered}
}

// candidates returns every candidate the evaluation saw, ranked or filtered.
func (e *Evaluation) candidates() []domain.Candidate {
	out := make([]domain.Candidate, 0, len(e.Ranked)+len(e.Filtered))
	for _, r := range e.Ranked {
		out = append(out, r.Candidate)
	}
	for _, f := range e.Filtered {
		out = append(out, f.Candidate)
	}
	return out
}

func bookQuery(req *models.Request, custom string) domain.BookQuery {
	return domain.BookQuery{Title: req.Title, Author: req.Author, Custom: strings.TrimSpace(custom)}
}

func (m *Manager) rankingQuery(req *models.Request) ranking.Query {
	return ranking.Query{Title: req.Title, Author: req.Author, Narrator: req.Narrator, Now: m.currentTime()}
}

type Manager struct {
	requests  *models.RequestStore
	attempts  *models.DownloadAttemptStore
	settings  SettingsSource
	roles     RoleSource
	gateway   Gateway
	submitter download.Submitter
	notifier  Notifier
	metrics   *metrics.Manager

	cfgMu sync.RWMutex
	cfg   Config

	locks *keyedMutex

	genMu       sync.Mutex
	generations map[int64]uint64

	evaluations *ttlcache.Cache[int64, *Evaluation]

	history   map[int64][]ActivityEvent
	historyMu sync.RWMutex

	ctxMu   sync.RWMutex
	baseCtx context.Context

	reloadCh chan struct{}

	now    func() time.Time
	spawn  func(func())
	decide decideFunc
}

type Dependencies struct {
	Requests  *models.RequestStore
	Attempts  *models.DownloadAttemptStore
	Settings  SettingsSource
	Roles     RoleSource
	Gateway   Gateway
	Submitter download.Submitter
	Notifier  Notifier
	Metrics   *metrics.Manager
}

func NewManager(cfg Config, deps Dependencies) *Manager {
	m := &Manager{
		requests:    deps.Requests,
		attempts:    deps.Attempts,
		settings:    deps.Settings,
		roles:       deps.Roles,
		gateway:     deps.Gateway,
		submitter:   deps.Submitter,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		cfg:         cfg.withDefaults(),
		locks:       newKeyedMutex(),
		generations: make(map[int64]uint64),
		evaluations: ttlcache.New(ttlcache.Options[int64, *Evaluation]{}.SetDefaultTTL(evaluationTTL)),
		history:     make(map[int64][]ActivityEvent),
		reloadCh:    make(chan struct{}, 1),
	}
	m.now = time.Now
	m.spawn = func(fn func()) { go fn() }
	m.decide = autodownload.Decide
	return m
}

// UpdateConfig applies new lifecycle settings. The re-check loop picks up a
// changed interval on its next tick.
func (m *Manager) UpdateConfig(cfg Config) {
	m.cfgMu.Lock()
	m.cfg = cfg.withDefaults()
	m.cfgMu.Unlock()

	select {
	case m.reloadCh <- struct{}{}:
	default:
	}
}

func (m *Manager) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Start resumes requests interrupted by a restart and launches the re-check loop.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.setBaseContext(ctx)
	go func() {
		m.resumeInterrupted(ctx)
		m.Recheck(ctx)
		m.loop(ctx)
	}()
}

func (m *Manager) loop(ctx context.Context) {
	timer := time.NewTimer(m.config().RecheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reloadCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			m.Recheck(ctx)
		}
		timer.Reset(m.config().RecheckInterval)
	}
}

// resumeInterrupted restarts evaluations for requests left in requested or searching.
func (m *Manager) resumeInterrupted(ctx context.Context) {
	reqs, err := m.requests.ListByState(ctx, models.StateRequested, models.StateSearching)
	if err != nil {
		log.Error().Err(err).Msg("lifecycle: failed to list interrupted requests")
		return
	}

	for _, req := range reqs {
		from := []models.RequestState{req.State}
		if _, gen, err := m.beginSearch(ctx, req.ID, systemActor, from, nil); err == nil {
			m.spawnEvaluation(req.ID, gen, false)
		} else {
			log.Debug().Err(err).Int64("requestID", req.ID).Msg("lifecycle: could not resume request")
		}
	}

	if len(reqs) > 0 {
		log.Info().Int("count", len(reqs)).Msg("lifecycle: resumed interrupted requests")
	}
}

func (m *Manager) setBaseContext(ctx context.Context) {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	m.baseCtx = ctx
}

func (m *Manager) baseContext() context.Context {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	if m.baseCtx == nil {
		return context.Background()
	}
	return m.baseCtx
}

func (m *Manager) currentTime() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

// nextGeneration invalidates any in-flight evaluation of the request.
func (m *Manager) nextGeneration(id int64) uint64 {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	m.generations[id]++
	return m.generations[id]
}

func (m *Manager) isCurrentGeneration(id int64, gen uint64) bool {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	return m.generations[id] == gen
}

func (m *Manager) forget(id int64) {
	m.genMu.Lock()
	delete(m.generations, id)
	m.genMu.Unlock()
	m.evaluations.Delete(id)
}

// LastEvaluation returns the cached result of the request's last search.
func (m *Manager) LastEvaluation(id int64) (*Evaluation, bool) {
	return m.evaluations.Get(id)
}

func (m *Manager) storeEvaluation(eval *Evaluation) {
	m.evaluations.Set(eval.RequestID, eval, ttlcache.DefaultTTL)
}

// transition applies a conditional state change and records it.
func (m *Manager) transition(ctx context.Context, req *models.Request, update models.StateUpdate, actor, reason string) (*models.Request, error) {
	updated, err := m.requests.Transition(ctx, req.ID, []models.RequestState{req.State}, update)
	if err != nil {
		return nil, mapStoreError(req, err, "transition")
	}
	m.observe(req.ID, req.State, update.State, actor, reason)
	return updated, nil
}

func (m *Manager) observe(id int64, from, to models.RequestState, actor, reason string) {
	m.metrics.ObserveTransition(string(from), string(to))
	m.recordActivity(id, from, to, actor, reason)

	log.Debug().
		Int64("requestID", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Str("reason", reason).
		Msg("lifecycle: transition")

	if to.Terminal() {
		m.forget(id)
	}
}

// failureUpdate counts the failure against the retry limit. Transient failures also
// get a scheduled retry; permanent ones wait for a manual retry.
func (m *Manager) failureUpdate(req *models.Request, reason string, retryable bool) models.StateUpdate {
	update := models.StateUpdate{
		State:         models.StateFailed,
		FailureReason: reason,
		RetryCount:    req.RetryCount,
	}

	cfg := m.config()
	if req.RetryCount >= cfg.MaxRetries {
		return update
	}
	update.RetryCount = req.RetryCount + 1
	if retryable {
		next := m.currentTime().Add(cfg.retryDelay(req.RetryCount)).UTC()
		update.NextRetryAt = &next
	}
	return update
}

func (m *Manager) notify(event notifications.Event, req *models.Request, reason string, release *domain.Candidate) {
	if m.notifier == nil || req == nil {
		return
	}
	payload := notifications.Payload{
		User:         req.RequestedBy,
		BookTitle:    req.Title,
		BookAuthors:  req.Author,
		BookNarrator: req.Narrator,
		Reason:       reason,
	}
	if release != nil {
		payload.ReleaseTitle = release.Title
		payload.ReleaseSize = release.Size
	}
	m.notifier.Dispatch(m.baseContext(), event, payload)
}

func (m *Manager) role(ctx context.Context, username string) domain.Role {
	if m.roles == nil {
		return domain.RoleUntrusted
	}
	role, err := m.roles.Role(ctx, username)
	if err != nil {
		log.Warn().Err(err).Str("user", username).Msg("lifecycle: failed to resolve role, treating as untrusted")
		return domain.RoleUntrusted
	}
	return role
}
