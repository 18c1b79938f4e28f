// Package memstore holds concurrency-safe in-memory implementations of the
// agentmeter stores. They back `serve --memory` and the package tests, and
// honor the same idempotency and increment guarantees as the PostgreSQL
// stores.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/events"
	"github.com/google/uuid"
)

// Events is an in-memory usage event ledger.
type Events struct {
	mu     sync.RWMutex
	events []*events.UsageEvent
	byKey  map[string]*events.UsageEvent
	now    func() time.Time
}

// NewEvents creates an empty ledger.
func NewEvents() *Events {
	return &Events{byKey: make(map[string]*events.UsageEvent), now: time.Now}
}

func cloneEvent(e *events.UsageEvent) *events.UsageEvent {
	c := *e
	c.Metadata = make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	if e.Value != nil {
		v := *e.Value
		c.Value = &v
	}
	if e.DurationMs != nil {
		d := *e.DurationMs
		c.DurationMs = &d
	}
	return &c
}

// Append stores ev unless its idempotency key is already taken.
func (s *Events) Append(_ context.Context, ev *events.UsageEvent) (*events.UsageEvent, events.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != "" {
		if prior, ok := s.byKey[ev.IdempotencyKey]; ok {
			return cloneEvent(prior), events.AlreadyProcessed, nil
		}
	}

	stored := cloneEvent(ev)
	stored.ID = uuid.NewString()
	stored.Timestamp = ev.Timestamp.UTC()
	stored.CreatedAt = s.now().UTC()
	s.events = append(s.events, stored)
	if stored.IdempotencyKey != "" {
		s.byKey[stored.IdempotencyKey] = stored
	}
	return cloneEvent(stored), events.Stored, nil
}

// GetByIdempotencyKey returns the event stored under key.
func (s *Events) GetByIdempotencyKey(_ context.Context, key string) (*events.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("no event with idempotency key %q", key)
	}
	return cloneEvent(e), nil
}

// List returns a page of matching events, newest first.
func (s *Events) List(_ context.Context, q events.EventQuery) ([]*events.UsageEvent, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var curTS time.Time
	var curID string
	if q.Cursor != "" {
		ts, id, err := events.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid cursor: %v", apperr.ErrValidation, err)
		}
		curTS, curID = ts, id
	}

	s.mu.RLock()
	var matched []*events.UsageEvent
	for _, e := range s.events {
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if !q.From.IsZero() && e.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			continue
		}
		matched = append(matched, cloneEvent(e))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	if q.Cursor != "" {
		start := len(matched)
		for i, e := range matched {
			if e.Timestamp.Before(curTS) || (e.Timestamp.Equal(curTS) && e.ID < curID) {
				start = i
				break
			}
		}
		matched = matched[start:]
	}

	var next string
	if len(matched) > limit {
		last := matched[limit-1]
		next = events.EncodeCursor(last.Timestamp, last.ID)
		matched = matched[:limit]
	}
	return matched, next, nil
}

// PendingStarts returns job.started events in [from, to) with no completion
// at or after their start, oldest first.
func (s *Events) PendingStarts(_ context.Context, from, to time.Time, limit int) ([]*events.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*events.UsageEvent
	for _, e := range s.events {
		if e.EventType != events.JobStarted || e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		if s.hasCompletionLocked(e.Tuple(), e.Timestamp) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Events) hasCompletionLocked(t events.JobTuple, after time.Time) bool {
	for _, e := range s.events {
		if e.EventType == events.JobCompleted && e.Tuple() == t && !e.Timestamp.Before(after) {
			return true
		}
	}
	return false
}

// Completions returns job.completed events for the tuple at or after after.
func (s *Events) Completions(_ context.Context, t events.JobTuple, after time.Time) ([]*events.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*events.UsageEvent
	for _, e := range s.events {
		if e.EventType == events.JobCompleted && e.Tuple() == t && !e.Timestamp.Before(after) {
			out = append(out, cloneEvent(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SynthesizedCompletion returns the reconciler's completion for the tuple,
// or nil.
func (s *Events) SynthesizedCompletion(_ context.Context, t events.JobTuple) (*events.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *events.UsageEvent
	for _, e := range s.events {
		if e.EventType != events.JobCompleted || e.Tuple() != t || !e.Synthesized() {
			continue
		}
		if found == nil || e.Timestamp.Before(found.Timestamp) {
			found = e
		}
	}
	if found == nil {
		return nil, nil
	}
	return cloneEvent(found), nil
}

// AverageValue averages live job.completed values since the given time.
func (s *Events) AverageValue(_ context.Context, agentID, kpiKey string, since time.Time) (float64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum float64
	var n int
	for _, e := range s.events {
		if e.EventType != events.JobCompleted || e.AgentID != agentID || e.KPIKey != kpiKey {
			continue
		}
		if e.Synthesized() || e.Value == nil || e.Timestamp.Before(since) {
			continue
		}
		sum += *e.Value
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

// Len returns the number of stored events.
func (s *Events) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
