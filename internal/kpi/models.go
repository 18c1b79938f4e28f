package kpi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
)

// Type is the declared shape of a KPI.
type Type string

const (
	TypeCount Type = "count"
	TypeGraph Type = "graph"
	TypeImage Type = "image"
)

// BaseKey is the first auto-assigned KPI key for an agent.
const BaseKey = 1000

// Spec is the type-specific part of a descriptor. Exactly one of CountSpec,
// GraphSpec or ImageSpec.
type Spec interface {
	Type() Type
	isSpec()
}

// CountSpec describes a numeric counter KPI.
type CountSpec struct {
	ValueType string `json:"value_type,omitempty"`
}

// GraphSpec describes a time-series KPI rendered as a chart.
type GraphSpec struct {
	GraphType string `json:"graph_type,omitempty"`
}

// ImageSpec describes a KPI rendered as an image.
type ImageSpec struct {
	Image string `json:"image,omitempty"`
}

func (CountSpec) Type() Type { return TypeCount }
func (GraphSpec) Type() Type { return TypeGraph }
func (ImageSpec) Type() Type { return TypeImage }

func (CountSpec) isSpec() {}
func (GraphSpec) isSpec() {}
func (ImageSpec) isSpec() {}

// Descriptor is one KPI declared by an agent. Keys are unique per agent.
type Descriptor struct {
	AgentID   string
	Key       int
	Title     string
	Unit      string
	Spec      Spec
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Type returns the descriptor's declared type.
func (d *Descriptor) Type() Type { return d.Spec.Type() }

// KeyString returns the key as it appears in usage events.
func (d *Descriptor) KeyString() string { return fmt.Sprintf("%d", d.Key) }

type descriptorJSON struct {
	AgentID   string    `json:"agent_id"`
	Key       int       `json:"key"`
	Title     string    `json:"title"`
	Unit      string    `json:"unit"`
	Type      Type      `json:"type"`
	ValueType string    `json:"value_type,omitempty"`
	GraphType string    `json:"graph_type,omitempty"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalJSON flattens the variant into the descriptor object.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	out := descriptorJSON{
		AgentID:   d.AgentID,
		Key:       d.Key,
		Title:     d.Title,
		Unit:      d.Unit,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	switch s := d.Spec.(type) {
	case CountSpec:
		out.Type, out.ValueType = TypeCount, s.ValueType
	case GraphSpec:
		out.Type, out.GraphType = TypeGraph, s.GraphType
	case ImageSpec:
		out.Type, out.Image = TypeImage, s.Image
	}
	return json.Marshal(out)
}

// Fields carries the type-specific inputs supplied by callers.
type Fields struct {
	ValueType string `json:"value_type,omitempty"`
	GraphType string `json:"graph_type,omitempty"`
	Image     string `json:"image,omitempty"`
}

// NewSpec builds the variant for t from the supplied fields.
func NewSpec(t Type, f Fields) (Spec, error) {
	switch t {
	case TypeCount:
		return CountSpec{ValueType: f.ValueType}, nil
	case TypeGraph:
		return GraphSpec{GraphType: f.GraphType}, nil
	case TypeImage:
		return ImageSpec{Image: f.Image}, nil
	default:
		return nil, fmt.Errorf("%w: kpi type must be one of count, graph, image", apperr.ErrValidation)
	}
}

// EncodeSpec returns the storage form of a spec.
func EncodeSpec(s Spec) (Type, []byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", nil, fmt.Errorf("marshalling kpi fields: %w", err)
	}
	return s.Type(), b, nil
}

// DecodeSpec rebuilds a spec from its storage form.
func DecodeSpec(t Type, raw []byte) (Spec, error) {
	var f Fields
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("unmarshalling kpi fields: %w", err)
		}
	}
	return NewSpec(t, f)
}

// TypeInfo is what payload validation needs to know about a KPI.
type TypeInfo struct {
	Type      Type   `json:"type"`
	GraphType string `json:"graph_type,omitempty"`
}

// CreateInput holds the fields for declaring a new KPI. Key is optional and
// allocated when nil.
type CreateInput struct {
	AgentID string `json:"agent_id"`
	Key     *int   `json:"key,omitempty"`
	Title   string `json:"title"`
	Unit    string `json:"unit"`
	Type    Type   `json:"type"`
	Fields
}

// DataPoint is one sample of a graph KPI's time series.
type DataPoint struct {
	X     time.Time `json:"x"`
	Y     float64   `json:"y"`
	Label string    `json:"label,omitempty"`
}

// NextKey returns the key to allocate after the given existing keys:
// max(existing)+1, never below BaseKey.
func NextKey(existing []int) int {
	next := BaseKey
	for _, k := range existing {
		if k+1 > next {
			next = k + 1
		}
	}
	return next
}
