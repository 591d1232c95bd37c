// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package download

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/autobrr/abr/internal/domain"
)

// Router dispatches candidates to a Submitter by protocol. Handles are prefixed
// with the route name so PollStatus reaches the same Submitter.
type Router struct {
	mu       sync.RWMutex
	routes   map[domain.Protocol]string
	backends map[string]Submitter
}

func NewRouter() *Router {
	return &Router{
		routes:   make(map[domain.Protocol]string),
		backends: make(map[string]Submitter),
	}
}

// Handle registers a named Submitter for the given protocols, replacing earlier routes.
func (r *Router) Handle(name string, submitter Submitter, protocols ...domain.Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backends[name] = submitter
	for _, p := range protocols {
		r.routes[p] = name
	}
}

func (r *Router) Submit(ctx context.Context, candidate domain.Candidate) (TrackingHandle, error) {
	r.mu.RLock()
	name, ok := r.routes[candidate.Protocol]
	backend := r.backends[name]
	r.mu.RUnlock()

	if !ok || backend == nil {
		return "", Permanent(CodeUnsupported, fmt.Errorf("no submitter for protocol %q", candidate.Protocol))
	}

	handle, err := backend.Submit(ctx, candidate)
	if err != nil {
		return "", err
	}
	return TrackingHandle(name + "|" + string(handle)), nil
}

func (r *Router) PollStatus(ctx context.Context, handle TrackingHandle) (Status, error) {
	name, inner, ok := strings.Cut(string(handle), "|")
	if !ok {
		return "", Permanent(CodeUnknownHandle, fmt.Errorf("malformed handle %q", handle))
	}

	r.mu.RLock()
	backend := r.backends[name]
	r.mu.RUnlock()

	if backend == nil {
		return "", Permanent(CodeUnknownHandle, fmt.Errorf("no submitter named %q", name))
	}
	return backend.PollStatus(ctx, TrackingHandle(inner))
}
