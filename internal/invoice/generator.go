package invoice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/pricing"
	"github.com/alecgard/agentmeter/internal/rollup"
	"github.com/shopspring/decimal"
)

const (
	quantityPlaces = 3
	amountPlaces   = 6
)

// PricingResolver returns the authoritative rate card for an agent.
type PricingResolver interface {
	Resolve(ctx context.Context, agentID string) (*pricing.AgentPricing, error)
}

// UsageReader returns an agent's daily rollups within an inclusive date range.
type UsageReader interface {
	Range(ctx context.Context, agentID, from, to string) ([]*rollup.DailyAgentUsage, error)
}

// Repository persists invoices.
type Repository interface {
	Create(ctx context.Context, inv *Invoice) (*Invoice, error)
	Get(ctx context.Context, id string) (*Invoice, error)
	ListByAgent(ctx context.Context, agentID string) ([]*Invoice, error)
}

// TaxPolicy computes tax on a subtotal.
type TaxPolicy interface {
	Tax(agentID string, subtotal decimal.Decimal) decimal.Decimal
}

// ZeroTax charges no tax.
type ZeroTax struct{}

func (ZeroTax) Tax(string, decimal.Decimal) decimal.Decimal { return decimal.Zero }

// Generator turns rollups and the latest rate card into invoices.
type Generator struct {
	pricing PricingResolver
	usage   UsageReader
	repo    Repository
	tax     TaxPolicy
	now     func() time.Time
}

// NewGenerator creates a Generator with no tax.
func NewGenerator(p PricingResolver, usage UsageReader, repo Repository) *Generator {
	return &Generator{pricing: p, usage: usage, repo: repo, tax: ZeroTax{}, now: time.Now}
}

// Generate prices the agent's usage for [periodStart, periodEnd] (YYYY-MM-DD,
// inclusive) and stores the result as a new draft invoice.
func (g *Generator) Generate(ctx context.Context, agentID, periodStart, periodEnd string) (*Invoice, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("%w: agent_id is required", apperr.ErrValidation)
	}
	start, err := rollup.ParseDate(periodStart)
	if err != nil {
		return nil, fmt.Errorf("period_start: %w", err)
	}
	end, err := rollup.ParseDate(periodEnd)
	if err != nil {
		return nil, fmt.Errorf("period_end: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: period_end is before period_start", apperr.ErrValidation)
	}

	card, err := g.pricing.Resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}

	usage, err := g.usage.Range(ctx, agentID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("reading rollups: %w", err)
	}

	inv := Compute(card, usage, g.tax)
	inv.AgentID = agentID
	inv.PeriodStart = periodStart
	inv.PeriodEnd = periodEnd
	inv.CreatedAt = g.now().UTC()

	return g.repo.Create(ctx, inv)
}

// Compute prices usage against card. It is a pure function of its inputs.
// KPIs with usage but no rate on the card are not billed.
func Compute(card *pricing.AgentPricing, usage []*rollup.DailyAgentUsage, tax TaxPolicy) *Invoice {
	runtime := decimal.Zero
	kpiTotals := make(map[string]decimal.Decimal)
	for _, day := range usage {
		runtime = runtime.Add(decimal.NewFromFloat(day.Totals.RuntimeMinutes))
		for key, v := range day.Totals.KPIs {
			kpiTotals[key] = kpiTotals[key].Add(decimal.NewFromFloat(v))
		}
	}

	items := make([]LineItem, 0, len(card.Rates)+1)
	subtotal := decimal.Zero

	rate := decimal.NewFromFloat(card.FixedPerMinRate)
	amount := runtime.Mul(rate).Round(amountPlaces)
	subtotal = subtotal.Add(amount)
	items = append(items, LineItem{
		Kind:        KindRuntime,
		Description: "Agent runtime",
		Quantity:    runtime.Round(quantityPlaces).InexactFloat64(),
		Unit:        "minutes",
		UnitCost:    card.FixedPerMinRate,
		Amount:      amount.InexactFloat64(),
	})

	for _, r := range card.Rates {
		qty := kpiTotals[r.KPIKey]
		amount := qty.Mul(decimal.NewFromFloat(r.UnitCost)).Round(amountPlaces)
		subtotal = subtotal.Add(amount)
		items = append(items, LineItem{
			Kind:        KindKPI,
			KPIKey:      r.KPIKey,
			Description: "KPI " + r.KPIKey,
			Quantity:    qty.Round(quantityPlaces).InexactFloat64(),
			Unit:        r.Unit,
			UnitCost:    r.UnitCost,
			Amount:      amount.InexactFloat64(),
		})
	}

	if tax == nil {
		tax = ZeroTax{}
	}
	subtotal = subtotal.Round(amountPlaces)
	taxAmount := tax.Tax(card.AgentID, subtotal).Round(amountPlaces)

	return &Invoice{
		AgentID:        card.AgentID,
		PricingVersion: card.Version,
		LineItems:      items,
		Subtotal:       subtotal.InexactFloat64(),
		Tax:            taxAmount.InexactFloat64(),
		Total:          subtotal.Add(taxAmount).InexactFloat64(),
		Status:         StatusDraft,
	}
}

// Get returns one invoice.
func (g *Generator) Get(ctx context.Context, id string) (*Invoice, error) {
	return g.repo.Get(ctx, id)
}

// List returns the agent's invoices, newest first.
func (g *Generator) List(ctx context.Context, agentID string) ([]*Invoice, error) {
	return g.repo.ListByAgent(ctx, agentID)
}
