package rollup

import (
	"context"
	"fmt"

	"github.com/alecgard/agentmeter/internal/events"
)

// Incrementer applies a delta exactly once per application key. The
// increment must be an increment-on-write in the backing store; reading the
// totals and writing them back would lose updates under concurrent delivery.
type Incrementer interface {
	Increment(ctx context.Context, applicationKey string, d Delta) (bool, error)
}

// Aggregator folds stored usage events into daily rollups.
type Aggregator struct {
	store Incrementer
}

// NewAggregator creates an Aggregator writing to store.
func NewAggregator(store Incrementer) *Aggregator {
	return &Aggregator{store: store}
}

// DeltaFor computes the rollup change an event contributes.
func DeltaFor(ev *events.UsageEvent) Delta {
	d := Delta{AgentID: ev.AgentID, Date: DayOf(ev.Timestamp)}
	if ev.EventType.IsCompletion() && ev.DurationMs != nil {
		d.RuntimeMinutes = float64(*ev.DurationMs) / 60000
	}
	if ev.KPIKey != "" && ev.Value != nil {
		d.KPIs = map[string]float64{ev.KPIKey: *ev.Value}
	}
	return d
}

// Apply adds ev's contribution to its rollup. Applying the same event twice
// is a no-op; the returned bool reports whether this call changed totals.
func (a *Aggregator) Apply(ctx context.Context, ev *events.UsageEvent) (bool, error) {
	return a.increment(ctx, "apply:"+ev.ID, DeltaFor(ev))
}

// Revert subtracts ev's contribution. It is used to void a synthesized
// completion once a live one arrives, and is idempotent per event.
func (a *Aggregator) Revert(ctx context.Context, ev *events.UsageEvent) (bool, error) {
	return a.increment(ctx, "void:"+ev.ID, DeltaFor(ev).Negate())
}

func (a *Aggregator) increment(ctx context.Context, key string, d Delta) (bool, error) {
	if d.Empty() {
		return false, nil
	}
	applied, err := a.store.Increment(ctx, key, d)
	if err != nil {
		return false, fmt.Errorf("incrementing rollup %s/%s: %w", d.AgentID, d.Date, err)
	}
	return applied, nil
}
