package api

import (
	"net/http"

	"github.com/alecgard/agentmeter/internal/reconcile"
)

// reconcileHandler exposes the incomplete-job sweep for operators.
type reconcileHandler struct {
	reconciler *reconcile.Reconciler
}

func newReconcileHandler(rec *reconcile.Reconciler) *reconcileHandler {
	return &reconcileHandler{reconciler: rec}
}

type reconcileConfigView struct {
	Enabled          bool               `json:"enabled"`
	Schedule         string             `json:"schedule"`
	IntervalSeconds  float64            `json:"interval_seconds"`
	TimeoutMinutes   float64            `json:"timeout_minutes"`
	AverageDays      int                `json:"average_calculation_days"`
	BatchSize        int                `json:"batch_size"`
	ScanWindowHours  float64            `json:"scan_window_hours"`
	DefaultKPIValues map[string]float64 `json:"default_kpi_values"`
	FallbackValue    float64            `json:"fallback_value"`
}

// Trigger handles POST /api/v1/admin/reconcile. It runs the same sweep as
// the scheduler, joining one already in flight.
func (h *reconcileHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.Sweep(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	auditLog(r, "trigger", "reconcile", "",
		"processed", res.Processed, "errors", res.Errors, "skipped", res.Skipped, "deferred", res.Deferred)
	writeJSON(w, http.StatusOK, res)
}

// GetConfig handles GET /api/v1/admin/reconcile/config.
func (h *reconcileHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.reconciler.Config()
	writeJSON(w, http.StatusOK, reconcileConfigView{
		Enabled:          cfg.Enabled,
		Schedule:         "@every " + cfg.Interval.String(),
		IntervalSeconds:  cfg.Interval.Seconds(),
		TimeoutMinutes:   cfg.Timeout.Minutes(),
		AverageDays:      cfg.AverageDays,
		BatchSize:        cfg.BatchSize,
		ScanWindowHours:  cfg.ScanWindow.Hours(),
		DefaultKPIValues: cfg.DefaultKPIValues,
		FallbackValue:    cfg.FallbackValue,
	})
}
