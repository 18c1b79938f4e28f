package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/agentmeter/internal/events"
	"github.com/alecgard/agentmeter/internal/rollup"
	"github.com/go-chi/chi/v5"
)

// UsageReader reads daily rollups.
type UsageReader interface {
	Range(ctx context.Context, agentID, from, to string) ([]*rollup.DailyAgentUsage, error)
}

// EventLister pages through the event ledger.
type EventLister interface {
	List(ctx context.Context, q events.EventQuery) ([]*events.UsageEvent, string, error)
}

// usageHandler groups usage rollup and event ledger HTTP handlers.
type usageHandler struct {
	usage  UsageReader
	events EventLister
	now    func() time.Time
}

func newUsageHandler(usage UsageReader, evs EventLister) *usageHandler {
	return &usageHandler{usage: usage, events: evs, now: time.Now}
}

// defaultUsageDays is the window returned when no range is given.
const defaultUsageDays = 30

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse(rollup.DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// GetUsage handles GET /api/v1/admin/agents/{agentID}/usage?from=&to=.
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	to := h.now().UTC()
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := rollup.ParseDate(s)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		to = t
	}
	from := to.AddDate(0, 0, -(defaultUsageDays - 1))
	if s := r.URL.Query().Get("from"); s != "" {
		t, err := rollup.ParseDate(s)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		from = t
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "invalid_params", "from must not be after to")
		return
	}

	days, err := h.usage.Range(r.Context(), agentID, rollup.DayOf(from), rollup.DayOf(to))
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	var total rollup.Totals
	total.KPIs = map[string]float64{}
	for _, d := range days {
		total.RuntimeMinutes += d.Totals.RuntimeMinutes
		for k, v := range d.Totals.KPIs {
			total.KPIs[k] += v
		}
	}
	if days == nil {
		days = []*rollup.DailyAgentUsage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"from":     rollup.DayOf(from),
		"to":       rollup.DayOf(to),
		"days":     days,
		"totals":   total,
	})
}

// ListEvents handles GET /api/v1/admin/agents/{agentID}/events with cursor
// pagination.
func (h *usageHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := events.EventQuery{
		AgentID:   chi.URLParam(r, "agentID"),
		EventType: events.EventType(r.URL.Query().Get("event_type")),
		Cursor:    r.URL.Query().Get("cursor"),
	}

	var err error
	if q.From, err = parseTimeParam(r.URL.Query().Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid from: "+err.Error())
		return
	}
	if q.To, err = parseTimeParam(r.URL.Query().Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid to: "+err.Error())
		return
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 || l > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_params", "limit must be between 1 and 1000")
			return
		}
		q.Limit = l
	}

	list, next, err := h.events.List(r.Context(), q)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*events.UsageEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":      list,
		"next_cursor": next,
	})
}
