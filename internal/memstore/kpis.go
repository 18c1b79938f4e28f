package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/kpi"
)

// KPIs is an in-memory KPI registry: agent id to its descriptors, plus the
// graph samples of each KPI.
type KPIs struct {
	mu     sync.Mutex
	agents map[string][]*kpi.Descriptor
	points map[string][]kpi.DataPoint
}

// NewKPIs creates an empty registry.
func NewKPIs() *KPIs {
	return &KPIs{
		agents: make(map[string][]*kpi.Descriptor),
		points: make(map[string][]kpi.DataPoint),
	}
}

func pointsKey(agentID string, key int) string {
	return fmt.Sprintf("%s/%d", agentID, key)
}

func cloneDescriptor(d *kpi.Descriptor) *kpi.Descriptor {
	c := *d
	return &c
}

// Create inserts d, allocating its key when zero.
func (s *KPIs) Create(_ context.Context, d *kpi.Descriptor) (*kpi.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.agents[d.AgentID]
	keys := make([]int, 0, len(list))
	for _, existing := range list {
		if strings.EqualFold(existing.Title, d.Title) {
			return nil, fmt.Errorf("%w: kpi %q already exists for agent %s", apperr.ErrConflict, d.Title, d.AgentID)
		}
		keys = append(keys, existing.Key)
	}

	created := cloneDescriptor(d)
	if created.Key == 0 {
		created.Key = kpi.NextKey(keys)
	}
	for _, k := range keys {
		if k == created.Key {
			return nil, fmt.Errorf("%w: kpi key %d already exists for agent %s", apperr.ErrConflict, k, d.AgentID)
		}
	}
	s.agents[d.AgentID] = append(list, created)
	return cloneDescriptor(created), nil
}

func (s *KPIs) findLocked(agentID string, key int) (*kpi.Descriptor, error) {
	for _, d := range s.agents[agentID] {
		if d.Key == key {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: kpi %d for agent %s", apperr.ErrNotFound, key, agentID)
}

// Get returns one descriptor.
func (s *KPIs) Get(_ context.Context, agentID string, key int) (*kpi.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.findLocked(agentID, key)
	if err != nil {
		return nil, err
	}
	return cloneDescriptor(d), nil
}

// ListByAgent returns an agent's KPIs ordered by key.
func (s *KPIs) ListByAgent(_ context.Context, agentID string) ([]*kpi.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*kpi.Descriptor{}
	for _, d := range s.agents[agentID] {
		out = append(out, cloneDescriptor(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ListAll returns every KPI ordered by agent and key.
func (s *KPIs) ListAll(_ context.Context) ([]*kpi.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*kpi.Descriptor{}
	for _, list := range s.agents {
		for _, d := range list {
			out = append(out, cloneDescriptor(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// UpdateSpec replaces a descriptor's variant.
func (s *KPIs) UpdateSpec(_ context.Context, agentID string, key int, spec kpi.Spec) (*kpi.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.findLocked(agentID, key)
	if err != nil {
		return nil, err
	}
	d.Spec = spec
	d.UpdatedAt = time.Now().UTC()
	return cloneDescriptor(d), nil
}

// AppendPoint stores one graph sample.
func (s *KPIs) AppendPoint(_ context.Context, agentID string, key int, p kpi.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.findLocked(agentID, key); err != nil {
		return err
	}
	p.X = p.X.UTC()
	k := pointsKey(agentID, key)
	s.points[k] = append(s.points[k], p)
	return nil
}

// ListPoints returns samples within [from, to] ordered by x. Zero bounds are
// open.
func (s *KPIs) ListPoints(_ context.Context, agentID string, key int, from, to time.Time, limit int) ([]kpi.DataPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []kpi.DataPoint{}
	for _, p := range s.points[pointsKey(agentID, key)] {
		if !from.IsZero() && p.X.Before(from) {
			continue
		}
		if !to.IsZero() && p.X.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].X.Before(out[j].X) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
