package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/alecgard/agentmeter/internal/rollup"
)

type rollupKey struct {
	agentID string
	date    string
}

// Rollups is an in-memory daily rollup table. Increments happen under a
// single lock, which makes them atomic with respect to each other.
type Rollups struct {
	mu      sync.Mutex
	applied map[string]bool
	days    map[rollupKey]*rollup.DailyAgentUsage
	now     func() time.Time
}

// NewRollups creates an empty rollup table.
func NewRollups() *Rollups {
	return &Rollups{
		applied: make(map[string]bool),
		days:    make(map[rollupKey]*rollup.DailyAgentUsage),
		now:     time.Now,
	}
}

// Increment adds d once per application key.
func (s *Rollups) Increment(_ context.Context, applicationKey string, d rollup.Delta) (bool, error) {
	if _, err := rollup.ParseDate(d.Date); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[applicationKey] {
		return false, nil
	}
	s.applied[applicationKey] = true

	k := rollupKey{agentID: d.AgentID, date: d.Date}
	u, ok := s.days[k]
	if !ok {
		u = &rollup.DailyAgentUsage{
			AgentID: d.AgentID,
			Date:    d.Date,
			Totals:  rollup.Totals{KPIs: map[string]float64{}},
		}
		s.days[k] = u
	}
	u.Totals.RuntimeMinutes += d.RuntimeMinutes
	for key, v := range d.KPIs {
		u.Totals.KPIs[key] += v
	}
	u.UpdatedAt = s.now().UTC()
	return true, nil
}

// Range returns copies of the agent's rollups within [from, to].
func (s *Rollups) Range(_ context.Context, agentID, from, to string) ([]*rollup.DailyAgentUsage, error) {
	if _, err := rollup.ParseDate(from); err != nil {
		return nil, err
	}
	if _, err := rollup.ParseDate(to); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byDate := make(map[string]*rollup.DailyAgentUsage)
	for k, u := range s.days {
		if k.agentID != agentID || k.date < from || k.date > to {
			continue
		}
		c := *u
		c.Totals.KPIs = make(map[string]float64, len(u.Totals.KPIs))
		for key, v := range u.Totals.KPIs {
			c.Totals.KPIs[key] = v
		}
		byDate[k.date] = &c
	}
	return rollup.SortByDate(byDate), nil
}
