package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/kpi"
	"github.com/go-chi/chi/v5"
)

// kpisHandler groups KPI registry HTTP handlers.
type kpisHandler struct {
	registry *kpi.Registry
}

func newKPIsHandler(reg *kpi.Registry) *kpisHandler {
	return &kpisHandler{registry: reg}
}

type createKPIRequest struct {
	Key       *int   `json:"key" validate:"omitempty,gt=0"`
	Title     string `json:"title" validate:"required"`
	Unit      string `json:"unit"`
	Type      string `json:"type" validate:"required,oneof=count graph image"`
	ValueType string `json:"value_type"`
	GraphType string `json:"graph_type"`
	Image     string `json:"image"`
}

type updateImageRequest struct {
	Image string `json:"image" validate:"required"`
}

type updateGraphTypeRequest struct {
	GraphType string `json:"graph_type" validate:"required"`
}

type updateTypeRequest struct {
	Type      string `json:"type" validate:"required,oneof=count graph image"`
	ValueType string `json:"value_type"`
	GraphType string `json:"graph_type"`
	Image     string `json:"image"`
}

type dataPointRequest struct {
	X     *time.Time `json:"x"`
	Y     *float64   `json:"y" validate:"required"`
	Label string     `json:"label"`
}

// keyParam parses the {key} path parameter.
func keyParam(r *http.Request) (int, error) {
	return kpi.ParseKey(chi.URLParam(r, "key"))
}

// CreateKPI handles POST /api/v1/admin/agents/{agentID}/kpis.
func (h *kpisHandler) CreateKPI(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req createKPIRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	d, err := h.registry.CreateKPI(r.Context(), kpi.CreateInput{
		AgentID: agentID,
		Key:     req.Key,
		Title:   req.Title,
		Unit:    req.Unit,
		Type:    kpi.Type(req.Type),
		Fields:  kpi.Fields{ValueType: req.ValueType, GraphType: req.GraphType, Image: req.Image},
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	auditLog(r, "create", "kpi", d.KeyString(), "type", d.Type())
	writeJSON(w, http.StatusCreated, d)
}

// ListKPIs handles GET /api/v1/admin/agents/{agentID}/kpis.
func (h *kpisHandler) ListKPIs(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.List(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*kpi.Descriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kpis": list})
}

// ListAllKPIs handles GET /api/v1/admin/kpis.
func (h *kpisHandler) ListAllKPIs(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.ListAll(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*kpi.Descriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kpis": list})
}

// UpdateImage handles PUT .../kpis/{key}/image.
func (h *kpisHandler) UpdateImage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	key, err := keyParam(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req updateImageRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	d, err := h.registry.UpdateImage(r.Context(), agentID, key, req.Image)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	auditLog(r, "update_image", "kpi", d.KeyString())
	writeJSON(w, http.StatusOK, d)
}

// UpdateGraphType handles PUT .../kpis/{key}/graph-type.
func (h *kpisHandler) UpdateGraphType(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	key, err := keyParam(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req updateGraphTypeRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	d, err := h.registry.UpdateGraphType(r.Context(), agentID, key, req.GraphType)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	auditLog(r, "update_graph_type", "kpi", d.KeyString(), "graph_type", req.GraphType)
	writeJSON(w, http.StatusOK, d)
}

// UpdateType handles PUT .../kpis/{key}/type.
func (h *kpisHandler) UpdateType(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	key, err := keyParam(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req updateTypeRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	d, err := h.registry.UpdateType(r.Context(), agentID, key, kpi.Type(req.Type),
		kpi.Fields{ValueType: req.ValueType, GraphType: req.GraphType, Image: req.Image})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	auditLog(r, "update_type", "kpi", d.KeyString(), "type", req.Type)
	writeJSON(w, http.StatusOK, d)
}

// AppendDataPoint handles POST .../kpis/{key}/datapoints.
func (h *kpisHandler) AppendDataPoint(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	key, err := keyParam(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req dataPointRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	p := kpi.DataPoint{Y: *req.Y, Label: req.Label}
	if req.X != nil {
		p.X = req.X.UTC()
	}
	if err := h.registry.AppendGraphDataPoint(r.Context(), agentID, key, p); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// ListDataPoints handles GET .../kpis/{key}/datapoints?from=&to=&limit=.
func (h *kpisHandler) ListDataPoints(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	key, err := keyParam(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid from: "+err.Error())
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid to: "+err.Error())
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			writeAppError(w, r, apperr.ErrValidation)
			return
		}
	}

	points, err := h.registry.GraphDataPoints(r.Context(), agentID, key, from, to, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if points == nil {
		points = []kpi.DataPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"datapoints": points})
}
