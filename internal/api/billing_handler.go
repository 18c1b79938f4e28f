package api

import (
	"net/http"

	"github.com/alecgard/agentmeter/internal/invoice"
	"github.com/alecgard/agentmeter/internal/metrics"
	"github.com/alecgard/agentmeter/internal/pricing"
	"github.com/go-chi/chi/v5"
)

// billingHandler groups rate card and invoice HTTP handlers.
type billingHandler struct {
	pricing  *pricing.Resolver
	invoices *invoice.Generator
	metrics  *metrics.Metrics
}

func newBillingHandler(p *pricing.Resolver, inv *invoice.Generator, m *metrics.Metrics) *billingHandler {
	return &billingHandler{pricing: p, invoices: inv, metrics: m}
}

type rateRequest struct {
	KPIKey   string  `json:"kpi_key" validate:"required"`
	UnitCost float64 `json:"unit_cost" validate:"gte=0"`
	Unit     string  `json:"unit"`
}

type publishPricingRequest struct {
	FixedPerMinRate float64       `json:"fixed_per_min_rate" validate:"gte=0"`
	Rates           []rateRequest `json:"rates" validate:"dive"`
}

type generateInvoiceRequest struct {
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
}

// PublishPricing handles POST /api/v1/admin/agents/{agentID}/pricing.
func (h *billingHandler) PublishPricing(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req publishPricingRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	in := pricing.PublishInput{AgentID: agentID, FixedPerMinRate: req.FixedPerMinRate}
	for _, rate := range req.Rates {
		in.Rates = append(in.Rates, pricing.Rate{KPIKey: rate.KPIKey, UnitCost: rate.UnitCost, Unit: rate.Unit})
	}

	card, err := h.pricing.Publish(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	auditLog(r, "publish", "pricing", agentID, "version", card.Version, "rates", len(card.Rates))
	writeJSON(w, http.StatusCreated, card)
}

// GetPricing handles GET /api/v1/admin/agents/{agentID}/pricing.
func (h *billingHandler) GetPricing(w http.ResponseWriter, r *http.Request) {
	card, err := h.pricing.Resolve(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// ListPricingVersions handles GET /api/v1/admin/agents/{agentID}/pricing/versions.
func (h *billingHandler) ListPricingVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.pricing.Versions(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*pricing.AgentPricing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// GenerateInvoice handles POST /api/v1/admin/agents/{agentID}/invoices.
// Every call creates a new draft.
func (h *billingHandler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req generateInvoiceRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	inv, err := h.invoices.Generate(r.Context(), agentID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.metrics.IncInvoice("error")
		writeAppError(w, r, err)
		return
	}
	h.metrics.IncInvoice("ok")

	auditLog(r, "generate", "invoice", inv.ID,
		"period_start", inv.PeriodStart, "period_end", inv.PeriodEnd, "total", inv.Total)
	writeJSON(w, http.StatusCreated, inv)
}

// ListInvoices handles GET /api/v1/admin/agents/{agentID}/invoices.
func (h *billingHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	list, err := h.invoices.List(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*invoice.Invoice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": list})
}

// GetInvoice handles GET /api/v1/admin/invoices/{id}.
func (h *billingHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.invoices.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
