// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package lifecycle

import (
	"strings"
	"time"

	"github.com/autobrr/abr/internal/models"
)

const maxTrackedRequests = 1000

// ActivityEvent records a single transition of a request.
type ActivityEvent struct {
	RequestID int64               `json:"requestId"`
	From      models.RequestState `json:"from"`
	To        models.RequestState `json:"to"`
	Actor     string              `json:"actor"`
	Reason    string              `json:"reason,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

func (m *Manager) recordActivity(id int64, from, to models.RequestState, actor, reason string) {
	if m == nil || id == 0 {
		return
	}
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	limit := m.config().HistorySize
	event := ActivityEvent{
		RequestID: id,
		From:      from,
		To:        to,
		Actor:     actor,
		Reason:    strings.TrimSpace(reason),
		Timestamp: m.currentTime(),
	}

	if _, ok := m.history[id]; !ok && len(m.history) >= maxTrackedRequests {
		m.evictOldestHistoryLocked()
	}

	m.history[id] = append(m.history[id], event)
	if len(m.history[id]) > limit {
		m.history[id] = m.history[id][len(m.history[id])-limit:]
	}
}

func (m *Manager) evictOldestHistoryLocked() {
	var (
		oldestID int64
		oldest   time.Time
	)
	for id, events := range m.history {
		last := events[len(events)-1].Timestamp
		if oldestID == 0 || last.Before(oldest) {
			oldestID, oldest = id, last
		}
	}
	delete(m.history, oldestID)
}

// GetActivity returns the most recent transitions of a request, newest last.
func (m *Manager) GetActivity(id int64, limit int) []ActivityEvent {
	if m == nil || id == 0 {
		return nil
	}
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	events := m.history[id]
	if len(events) == 0 {
		return nil
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]ActivityEvent, len(events))
	copy(out, events)
	return out
}
