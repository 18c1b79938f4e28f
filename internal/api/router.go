package api

import (
	"context"
	"net/http"
	"time"

	"github.com/alecgard/agentmeter/internal/auth"
	"github.com/alecgard/agentmeter/internal/ingest"
	"github.com/alecgard/agentmeter/internal/invoice"
	"github.com/alecgard/agentmeter/internal/kpi"
	"github.com/alecgard/agentmeter/internal/metrics"
	"github.com/alecgard/agentmeter/internal/pricing"
	"github.com/alecgard/agentmeter/internal/reconcile"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Ingest       *ingest.Service
	KPIs         *kpi.Registry
	Pricing      *pricing.Resolver
	Invoices     *invoice.Generator
	Usage        UsageReader
	Events       EventLister
	Reconciler   *reconcile.Reconciler
	Metrics      *metrics.Metrics
	DB           Pinger
	AdminKey     string
	MaxBodyBytes int64
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(slogRequestLogger)

	// Health check.
	r.Get("/health", healthHandler(deps.DB))

	// Well-known manifest.
	r.Get("/.well-known/agentmeter.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Webhook ingestion, authenticated by payload signature.
	if deps.Ingest != nil {
		webhooks := newWebhookHandler(deps.Ingest, deps.Metrics, deps.MaxBodyBytes)
		r.With(metricsMiddleware(deps.Metrics, "webhook")).Post("/webhooks/usage", webhooks.Receive)
	}

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(metricsMiddleware(deps.Metrics, "admin"))
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKey, deps.Metrics))

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}

		if deps.KPIs != nil {
			kpis := newKPIsHandler(deps.KPIs)
			ar.Get("/kpis", kpis.ListAllKPIs)
			ar.Post("/agents/{agentID}/kpis", kpis.CreateKPI)
			ar.Get("/agents/{agentID}/kpis", kpis.ListKPIs)
			ar.Put("/agents/{agentID}/kpis/{key}/image", kpis.UpdateImage)
			ar.Put("/agents/{agentID}/kpis/{key}/graph-type", kpis.UpdateGraphType)
			ar.Put("/agents/{agentID}/kpis/{key}/type", kpis.UpdateType)
			ar.Post("/agents/{agentID}/kpis/{key}/datapoints", kpis.AppendDataPoint)
			ar.Get("/agents/{agentID}/kpis/{key}/datapoints", kpis.ListDataPoints)
		}

		if deps.Pricing != nil && deps.Invoices != nil {
			billing := newBillingHandler(deps.Pricing, deps.Invoices, deps.Metrics)
			ar.Post("/agents/{agentID}/pricing", billing.PublishPricing)
			ar.Get("/agents/{agentID}/pricing", billing.GetPricing)
			ar.Get("/agents/{agentID}/pricing/versions", billing.ListPricingVersions)
			ar.Post("/agents/{agentID}/invoices", billing.GenerateInvoice)
			ar.Get("/agents/{agentID}/invoices", billing.ListInvoices)
			ar.Get("/invoices/{id}", billing.GetInvoice)
		}

		if deps.Usage != nil && deps.Events != nil {
			usage := newUsageHandler(deps.Usage, deps.Events)
			ar.Get("/agents/{agentID}/usage", usage.GetUsage)
			ar.Get("/agents/{agentID}/events", usage.ListEvents)
		}

		if deps.Reconciler != nil {
			rec := newReconcileHandler(deps.Reconciler)
			ar.Post("/reconcile", rec.Trigger)
			ar.Get("/reconcile/config", rec.GetConfig)
		}
	})

	return r
}

// healthHandler pings the database when one is configured.
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "none"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}
