package kpi_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/kpi"
	"github.com/alecgard/agentmeter/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextKey(t *testing.T) {
	tests := []struct {
		existing []int
		want     int
	}{
		{nil, 1000},
		{[]int{1000}, 1001},
		{[]int{1000, 1005, 1002}, 1006},
		{[]int{7}, 1000},
		{[]int{5000}, 5001},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, kpi.NextKey(tt.existing), "existing=%v", tt.existing)
	}
}

func TestParseKey(t *testing.T) {
	k, err := kpi.ParseKey(" 1000 ")
	require.NoError(t, err)
	assert.Equal(t, 1000, k)

	for _, bad := range []string{"", "abc", "-1", "0"} {
		_, err := kpi.ParseKey(bad)
		assert.True(t, errors.Is(err, apperr.ErrValidation), "key %q", bad)
	}
}

func TestCreateKPIAllocatesKeys(t *testing.T) {
	ctx := context.Background()
	r := kpi.NewRegistry(memstore.NewKPIs())

	first, err := r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Docs", Type: kpi.TypeCount, Fields: kpi.Fields{ValueType: "integer"}})
	require.NoError(t, err)
	assert.Equal(t, 1000, first.Key)
	assert.Equal(t, kpi.CountSpec{ValueType: "integer"}, first.Spec)

	second, err := r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Latency", Type: kpi.TypeGraph, Fields: kpi.Fields{GraphType: "line"}})
	require.NoError(t, err)
	assert.Equal(t, 1001, second.Key)

	other, err := r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-b", Title: "Docs", Type: kpi.TypeImage})
	require.NoError(t, err)
	assert.Equal(t, 1000, other.Key, "keys are agent-scoped")

	_, err = r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "docs", Type: kpi.TypeCount})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	_, err = r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Weird", Type: "gauge"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCreateKPIConcurrentAllocation(t *testing.T) {
	ctx := context.Background()
	r := kpi.NewRegistry(memstore.NewKPIs())

	const n = 25
	keys := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.CreateKPI(ctx, kpi.CreateInput{
				AgentID: "agent-a",
				Title:   fmt.Sprintf("kpi-%d", i),
				Type:    kpi.TypeCount,
			})
			if assert.NoError(t, err) {
				keys[i] = d.Key
			}
		}(i)
	}
	wg.Wait()

	sort.Ints(keys)
	for i, k := range keys {
		assert.Equal(t, 1000+i, k)
	}
}

func TestGetKPIType(t *testing.T) {
	ctx := context.Background()
	r := kpi.NewRegistry(memstore.NewKPIs())
	_, err := r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Latency", Type: kpi.TypeGraph, Fields: kpi.Fields{GraphType: "bar"}})
	require.NoError(t, err)

	info, err := r.GetKPIType(ctx, "agent-a", "1000")
	require.NoError(t, err)
	assert.Equal(t, kpi.TypeInfo{Type: kpi.TypeGraph, GraphType: "bar"}, info)

	_, err = r.GetKPIType(ctx, "agent-a", "1001")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = r.GetKPIType(ctx, "agent-x", "1000")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpdates(t *testing.T) {
	ctx := context.Background()
	r := kpi.NewRegistry(memstore.NewKPIs())
	img, err := r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Logo", Type: kpi.TypeImage})
	require.NoError(t, err)
	graph, err := r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Latency", Type: kpi.TypeGraph, Fields: kpi.Fields{GraphType: "line"}})
	require.NoError(t, err)

	d, err := r.UpdateImage(ctx, "agent-a", img.Key, "https://cdn.example.com/logo.png")
	require.NoError(t, err)
	assert.Equal(t, kpi.ImageSpec{Image: "https://cdn.example.com/logo.png"}, d.Spec)

	_, err = r.UpdateImage(ctx, "agent-a", graph.Key, "x.png")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	d, err = r.UpdateGraphType(ctx, "agent-a", graph.Key, "bar")
	require.NoError(t, err)
	assert.Equal(t, kpi.GraphSpec{GraphType: "bar"}, d.Spec)

	d, err = r.UpdateType(ctx, "agent-a", graph.Key, kpi.TypeCount, kpi.Fields{ValueType: "float"})
	require.NoError(t, err)
	assert.Equal(t, kpi.TypeCount, d.Type())

	_, err = r.UpdateGraphType(ctx, "agent-a", 4242, "bar")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = r.UpdateType(ctx, "agent-zzz", graph.Key, kpi.TypeCount, kpi.Fields{})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestGraphDataPoints(t *testing.T) {
	ctx := context.Background()
	r := kpi.NewRegistry(memstore.NewKPIs())
	graph, err := r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Latency", Type: kpi.TypeGraph})
	require.NoError(t, err)
	count, err := r.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Docs", Type: kpi.TypeCount})
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, y := range []float64{3, 1, 2} {
		err := r.AppendGraphDataPoint(ctx, "agent-a", graph.Key, kpi.DataPoint{X: base.Add(time.Duration(2-i) * time.Hour), Y: y, Label: "p"})
		require.NoError(t, err)
	}
	err = r.AppendGraphDataPoint(ctx, "agent-a", count.Key, kpi.DataPoint{X: base, Y: 1})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	points, err := r.GraphDataPoints(ctx, "agent-a", graph.Key, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, []float64{2, 1, 3}, []float64{points[0].Y, points[1].Y, points[2].Y})

	points, err = r.GraphDataPoints(ctx, "agent-a", graph.Key, base.Add(30*time.Minute), time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestDescriptorJSONIsFlat(t *testing.T) {
	d := kpi.Descriptor{AgentID: "a", Key: 1000, Title: "Latency", Spec: kpi.GraphSpec{GraphType: "line"}}
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"graph"`)
	assert.Contains(t, string(b), `"graph_type":"line"`)
	assert.Contains(t, string(b), `"key":1000`)
}
