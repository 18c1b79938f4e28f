package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/alecgard/agentmeter/internal/apperr"
)

// ErrNotConfigured is returned when an agent has no rate card.
var ErrNotConfigured = fmt.Errorf("%w: no pricing configured", apperr.ErrConfiguration)

// Repository persists rate card versions. Publish assigns version
// latest+1 atomically per agent. Latest returns ErrNotConfigured when the
// agent has no versions.
type Repository interface {
	Publish(ctx context.Context, in PublishInput) (*AgentPricing, error)
	Latest(ctx context.Context, agentID string) (*AgentPricing, error)
	Versions(ctx context.Context, agentID string) ([]*AgentPricing, error)
}

// Resolver selects and publishes rate cards.
type Resolver struct {
	repo Repository
}

// NewResolver creates a Resolver over repo.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the latest rate card for the agent.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (*AgentPricing, error) {
	return r.repo.Latest(ctx, agentID)
}

// IsNotConfigured reports whether err means the agent has no rate card.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}

// Publish validates in and stores it as the agent's newest version.
func (r *Resolver) Publish(ctx context.Context, in PublishInput) (*AgentPricing, error) {
	if err := validatePublish(in); err != nil {
		return nil, err
	}
	if in.Rates == nil {
		in.Rates = []Rate{}
	}
	return r.repo.Publish(ctx, in)
}

// Versions returns every version for the agent, newest first.
func (r *Resolver) Versions(ctx context.Context, agentID string) ([]*AgentPricing, error) {
	return r.repo.Versions(ctx, agentID)
}

func validatePublish(in PublishInput) error {
	if strings.TrimSpace(in.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", apperr.ErrValidation)
	}
	if in.FixedPerMinRate < 0 || math.IsNaN(in.FixedPerMinRate) || math.IsInf(in.FixedPerMinRate, 0) {
		return fmt.Errorf("%w: fixed_per_min_rate must be a non-negative number", apperr.ErrValidation)
	}
	seen := make(map[string]bool, len(in.Rates))
	for _, rate := range in.Rates {
		key := strings.TrimSpace(rate.KPIKey)
		if key == "" {
			return fmt.Errorf("%w: every rate needs a kpi_key", apperr.ErrValidation)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate rate for kpi %s", apperr.ErrValidation, key)
		}
		seen[key] = true
		if rate.UnitCost < 0 || math.IsNaN(rate.UnitCost) || math.IsInf(rate.UnitCost, 0) {
			return fmt.Errorf("%w: unit_cost for kpi %s must be a non-negative number", apperr.ErrValidation, key)
		}
	}
	return nil
}
