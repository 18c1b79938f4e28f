package kpi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
)

// Repository persists KPI descriptors and graph samples. Create allocates the
// key with NextKey when d.Key is zero; allocation and the uniqueness checks
// must be serialized per agent inside the repository.
type Repository interface {
	Create(ctx context.Context, d *Descriptor) (*Descriptor, error)
	Get(ctx context.Context, agentID string, key int) (*Descriptor, error)
	ListByAgent(ctx context.Context, agentID string) ([]*Descriptor, error)
	ListAll(ctx context.Context) ([]*Descriptor, error)
	UpdateSpec(ctx context.Context, agentID string, key int, spec Spec) (*Descriptor, error)
	AppendPoint(ctx context.Context, agentID string, key int, p DataPoint) error
	ListPoints(ctx context.Context, agentID string, key int, from, to time.Time, limit int) ([]DataPoint, error)
}

// Registry is the per-agent KPI catalog.
type Registry struct {
	repo Repository
	now  func() time.Time
}

// NewRegistry creates a Registry over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{repo: repo, now: time.Now}
}

// ParseKey parses a KPI key as carried in payloads and URLs.
func ParseKey(s string) (int, error) {
	k, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || k <= 0 {
		return 0, fmt.Errorf("%w: kpi_key %q must be a positive integer", apperr.ErrValidation, s)
	}
	return k, nil
}

// CreateKPI declares a new KPI for an agent and returns it with its key.
func (r *Registry) CreateKPI(ctx context.Context, in CreateInput) (*Descriptor, error) {
	if strings.TrimSpace(in.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent_id is required", apperr.ErrValidation)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", apperr.ErrValidation)
	}
	spec, err := NewSpec(in.Type, in.Fields)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	d := &Descriptor{
		AgentID:   in.AgentID,
		Title:     title,
		Unit:      strings.TrimSpace(in.Unit),
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Key != nil {
		if *in.Key <= 0 {
			return nil, fmt.Errorf("%w: key must be positive", apperr.ErrValidation)
		}
		d.Key = *in.Key
	}
	return r.repo.Create(ctx, d)
}

// Get returns one descriptor.
func (r *Registry) Get(ctx context.Context, agentID string, key int) (*Descriptor, error) {
	return r.repo.Get(ctx, agentID, key)
}

// GetKPIType resolves the declared type of an agent's KPI.
func (r *Registry) GetKPIType(ctx context.Context, agentID, kpiKey string) (TypeInfo, error) {
	key, err := ParseKey(kpiKey)
	if err != nil {
		return TypeInfo{}, err
	}
	d, err := r.repo.Get(ctx, agentID, key)
	if err != nil {
		return TypeInfo{}, err
	}
	info := TypeInfo{Type: d.Type()}
	if g, ok := d.Spec.(GraphSpec); ok {
		info.GraphType = g.GraphType
	}
	return info, nil
}

// List returns an agent's KPIs ordered by key.
func (r *Registry) List(ctx context.Context, agentID string) ([]*Descriptor, error) {
	return r.repo.ListByAgent(ctx, agentID)
}

// ListAll returns every agent's KPIs.
func (r *Registry) ListAll(ctx context.Context) ([]*Descriptor, error) {
	return r.repo.ListAll(ctx)
}

// UpdateImage replaces the image of an image KPI.
func (r *Registry) UpdateImage(ctx context.Context, agentID string, key int, image string) (*Descriptor, error) {
	d, err := r.repo.Get(ctx, agentID, key)
	if err != nil {
		return nil, err
	}
	if _, ok := d.Spec.(ImageSpec); !ok {
		return nil, fmt.Errorf("%w: kpi %d is %s-typed, not image", apperr.ErrValidation, key, d.Type())
	}
	return r.repo.UpdateSpec(ctx, agentID, key, ImageSpec{Image: strings.TrimSpace(image)})
}

// UpdateGraphType replaces the chart type of a graph KPI.
func (r *Registry) UpdateGraphType(ctx context.Context, agentID string, key int, graphType string) (*Descriptor, error) {
	graphType = strings.TrimSpace(graphType)
	if graphType == "" {
		return nil, fmt.Errorf("%w: graph_type is required", apperr.ErrValidation)
	}
	d, err := r.repo.Get(ctx, agentID, key)
	if err != nil {
		return nil, err
	}
	if _, ok := d.Spec.(GraphSpec); !ok {
		return nil, fmt.Errorf("%w: kpi %d is %s-typed, not graph", apperr.ErrValidation, key, d.Type())
	}
	return r.repo.UpdateSpec(ctx, agentID, key, GraphSpec{GraphType: graphType})
}

// UpdateType replaces the KPI's variant with a new type and its fields.
func (r *Registry) UpdateType(ctx context.Context, agentID string, key int, t Type, f Fields) (*Descriptor, error) {
	spec, err := NewSpec(t, f)
	if err != nil {
		return nil, err
	}
	if _, err := r.repo.Get(ctx, agentID, key); err != nil {
		return nil, err
	}
	return r.repo.UpdateSpec(ctx, agentID, key, spec)
}

// AppendGraphDataPoint records one sample for a graph KPI. Samples feed
// visualization only and never touch billing rollups.
func (r *Registry) AppendGraphDataPoint(ctx context.Context, agentID string, key int, p DataPoint) error {
	d, err := r.repo.Get(ctx, agentID, key)
	if err != nil {
		return err
	}
	if _, ok := d.Spec.(GraphSpec); !ok {
		return fmt.Errorf("%w: kpi %d is %s-typed, not graph", apperr.ErrValidation, key, d.Type())
	}
	if p.X.IsZero() {
		p.X = r.now().UTC()
	}
	return r.repo.AppendPoint(ctx, agentID, key, p)
}

// GraphDataPoints returns samples for a graph KPI within [from, to]. Zero
// bounds are open.
func (r *Registry) GraphDataPoints(ctx context.Context, agentID string, key int, from, to time.Time, limit int) ([]DataPoint, error) {
	if _, err := r.repo.Get(ctx, agentID, key); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	return r.repo.ListPoints(ctx, agentID, key, from, to, limit)
}
