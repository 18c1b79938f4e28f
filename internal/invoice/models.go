package invoice

import "time"

// Status is the lifecycle state of an invoice.
type Status string

const StatusDraft Status = "draft"

// Line item kinds.
const (
	KindRuntime = "runtime"
	KindKPI     = "kpi"
)

// LineItem is one priced quantity within a billing period.
type LineItem struct {
	Kind        string  `json:"kind"`
	KPIKey      string  `json:"kpi_key,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
	UnitCost    float64 `json:"unit_cost"`
	Amount      float64 `json:"amount"`
}

// Invoice is a billing document for one agent and period. Every generation
// produces a new draft; invoices are never upserted.
type Invoice struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	PeriodStart    string     `json:"period_start"`
	PeriodEnd      string     `json:"period_end"`
	PricingVersion int        `json:"pricing_version"`
	LineItems      []LineItem `json:"line_items"`
	Subtotal       float64    `json:"subtotal"`
	Tax            float64    `json:"tax"`
	Total          float64    `json:"total"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}
