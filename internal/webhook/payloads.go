package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/events"
)

// flexString accepts a JSON string or number; agents send kpi_key both ways.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("kpi_key must be a string or number")
	}
	// 1000.0 and 1e3 name the same key as 1000.
	if v, err := n.Float64(); err == nil && v == math.Trunc(v) {
		*f = flexString(strconv.FormatFloat(v, 'f', -1, 64))
		return nil
	}
	*f = flexString(n.String())
	return nil
}

type graphEvent struct {
	Label string   `json:"label"`
	Value *float64 `json:"value"`
}

type runMetrics struct {
	TokensIn  *int64 `json:"tokens_in,omitempty"`
	TokensOut *int64 `json:"tokens_out,omitempty"`
}

// payload is the union of all webhook body shapes.
type payload struct {
	EventType      string         `json:"event_type"`
	AgentID        string         `json:"agent_id"`
	ExecutionID    string         `json:"execution_id"`
	KPIKey         flexString     `json:"kpi_key"`
	Value          *float64       `json:"value"`
	ValueType      string         `json:"value_type"`
	Unit           string         `json:"unit"`
	DateTime       string         `json:"date_time"`
	Events         []graphEvent   `json:"events"`
	DurationMs     *int64         `json:"duration_ms"`
	Metrics        *runMetrics    `json:"metrics"`
	RAMGB          *float64       `json:"ram_gb"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func decodePayload(body []byte) (*payload, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body: %v", apperr.ErrValidation, err)
	}
	p.EventType = strings.TrimSpace(p.EventType)
	p.ExecutionID = strings.TrimSpace(p.ExecutionID)
	return &p, nil
}

// bodyIdempotencyKey extracts idempotency_key from a body that has not been
// authenticated yet. Decode errors are ignored; full validation comes later.
func bodyIdempotencyKey(body []byte) string {
	var peek struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	_ = json.Unmarshal(body, &peek)
	return strings.TrimSpace(peek.IdempotencyKey)
}

func requireField(ok bool, name string) error {
	if !ok {
		return fmt.Errorf("%w: %s is required", apperr.ErrValidation, name)
	}
	return nil
}

func (p *payload) checkDuration() error {
	if p.DurationMs != nil && *p.DurationMs < 0 {
		return fmt.Errorf("%w: duration_ms must be non-negative", apperr.ErrValidation)
	}
	return nil
}

// parseDateTime accepts RFC 3339 with or without fractional seconds.
func parseDateTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date_time must be RFC 3339", apperr.ErrValidation)
	}
	return t.UTC(), nil
}

func (p *payload) runMetadata() map[string]any {
	meta := make(map[string]any, len(p.Metadata)+3)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	// Reconciler markers cannot be set by senders.
	delete(meta, events.MetaIncompleteJobProcessed)
	delete(meta, events.MetaOriginalStartTime)
	delete(meta, events.MetaCalculatedAverage)
	if p.Metrics != nil {
		if p.Metrics.TokensIn != nil {
			meta["tokens_in"] = *p.Metrics.TokensIn
		}
		if p.Metrics.TokensOut != nil {
			meta["tokens_out"] = *p.Metrics.TokensOut
		}
	}
	if p.RAMGB != nil {
		meta["ram_gb"] = *p.RAMGB
	}
	return meta
}
