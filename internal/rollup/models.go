package rollup

import (
	"fmt"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
)

// DateLayout is the UTC calendar-day format used as the rollup date key.
const DateLayout = "2006-01-02"

// DailyAgentUsage is the per-agent, per-UTC-day usage summary. There is at
// most one per (AgentID, Date) and it only ever changes by increments.
type DailyAgentUsage struct {
	AgentID   string    `json:"agent_id"`
	Date      string    `json:"date"`
	Totals    Totals    `json:"totals"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Totals holds the accumulated runtime and KPI values for one rollup.
type Totals struct {
	RuntimeMinutes float64            `json:"runtime_minutes"`
	KPIs           map[string]float64 `json:"kpis"`
}

// Delta is an additive change to a single rollup.
type Delta struct {
	AgentID        string
	Date           string
	RuntimeMinutes float64
	KPIs           map[string]float64
}

// Empty reports whether applying d would change nothing.
func (d Delta) Empty() bool {
	return d.RuntimeMinutes == 0 && len(d.KPIs) == 0
}

// Negate returns the delta that undoes d.
func (d Delta) Negate() Delta {
	out := Delta{AgentID: d.AgentID, Date: d.Date, RuntimeMinutes: -d.RuntimeMinutes}
	if len(d.KPIs) > 0 {
		out.KPIs = make(map[string]float64, len(d.KPIs))
		for k, v := range d.KPIs {
			out.KPIs[k] = -v
		}
	}
	return out
}

// DayOf returns the UTC calendar day of t.
func DayOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q: expected YYYY-MM-DD", apperr.ErrValidation, s)
	}
	return t, nil
}
