package pricing

import "time"

// Rate is the unit cost of one KPI on a rate card.
type Rate struct {
	KPIKey   string  `json:"kpi_key"`
	UnitCost float64 `json:"unit_cost"`
	Unit     string  `json:"unit"`
}

// AgentPricing is one version of an agent's rate card. The highest version
// is authoritative; older versions are kept for audit.
type AgentPricing struct {
	AgentID         string    `json:"agent_id"`
	Version         int       `json:"version"`
	FixedPerMinRate float64   `json:"fixed_per_min_rate"`
	Rates           []Rate    `json:"rates"`
	CreatedAt       time.Time `json:"created_at"`
}

// PublishInput holds the fields for a new rate card version.
type PublishInput struct {
	AgentID         string  `json:"agent_id"`
	FixedPerMinRate float64 `json:"fixed_per_min_rate"`
	Rates           []Rate  `json:"rates"`
}
