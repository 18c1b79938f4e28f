package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/events"
	"github.com/alecgard/agentmeter/internal/kpi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKPIs map[string]kpi.TypeInfo

func (m mockKPIs) GetKPIType(_ context.Context, agentID, kpiKey string) (kpi.TypeInfo, error) {
	info, ok := m[agentID+"/"+kpiKey]
	if !ok {
		return kpi.TypeInfo{}, fmt.Errorf("%w: kpi %s", apperr.ErrNotFound, kpiKey)
	}
	return info, nil
}

var (
	testNow  = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	testKPIs = mockKPIs{
		"agent-a/1000": {Type: kpi.TypeCount},
		"agent-a/1001": {Type: kpi.TypeGraph, GraphType: "line"},
	}
)

const secret = "whsec_test"

func newTestValidator(secret string) *Validator {
	v := NewValidator(secret, 0, testKPIs)
	v.now = func() time.Time { return testNow }
	return v
}

func headers(body []byte, secret string) http.Header {
	h := http.Header{}
	h.Set(HeaderAgentID, "agent-a")
	h.Set(HeaderTimestamp, testNow.Add(-time.Minute).Format(time.RFC3339))
	h.Set(HeaderIdempotencyKey, "idem_1")
	if secret != "" {
		h.Set(HeaderSignature, Sign(secret, body))
	}
	return h
}

func TestValidateJobCompletedCount(t *testing.T) {
	body := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":1000,"value":3,"value_type":"integer","duration_ms":93000}`)
	d, err := newTestValidator(secret).Validate(context.Background(), headers(body, secret), body)
	require.NoError(t, err)

	ev := d.Event
	assert.Equal(t, events.JobCompleted, ev.EventType)
	assert.Equal(t, "agent-a", ev.AgentID)
	assert.Equal(t, "1000", ev.KPIKey)
	require.NotNil(t, ev.Value)
	assert.Equal(t, 3.0, *ev.Value)
	require.NotNil(t, ev.DurationMs)
	assert.Equal(t, int64(93000), *ev.DurationMs)
	assert.Equal(t, "idem_1", ev.IdempotencyKey)
	assert.Equal(t, "integer", ev.Metadata["value_type"])
	assert.Equal(t, fmt.Sprintf("agent-a-%d", testNow.UnixMilli()), d.TraceID)
	assert.Empty(t, d.GraphPoints)
}

func TestValidateNumericKPIKeyForms(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"integer", `1000`},
		{"trailing zero", `1000.0`},
		{"exponent", `1e3`},
		{"string", `"1000"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":` + tt.key + `,"value":3,"value_type":"integer"}`)
			d, err := newTestValidator(secret).Validate(context.Background(), headers(body, secret), body)
			require.NoError(t, err)
			assert.Equal(t, "1000", d.Event.KPIKey)
		})
	}

	body := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":1001.0,
		"date_time":"2025-01-15T11:58:00Z","events":[{"label":"p50","value":12.5}]}`)
	d, err := newTestValidator(secret).Validate(context.Background(), headers(body, secret), body)
	require.NoError(t, err)
	assert.Equal(t, 1001, d.GraphKey)
}

func TestValidateJobCompletedGraph(t *testing.T) {
	body := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":"1001",
		"date_time":"2025-01-15T11:58:00Z","events":[{"label":"p50","value":12.5},{"label":"p99","value":80}]}`)
	d, err := newTestValidator("").Validate(context.Background(), headers(body, ""), body)
	require.NoError(t, err)

	assert.Nil(t, d.Event.Value, "graph samples never reach numeric rollups")
	assert.Equal(t, 1001, d.GraphKey)
	require.Len(t, d.GraphPoints, 2)
	assert.Equal(t, "p99", d.GraphPoints[1].Label)
	assert.Equal(t, 80.0, d.GraphPoints[1].Y)
	assert.Equal(t, time.Date(2025, 1, 15, 11, 58, 0, 0, time.UTC), d.GraphPoints[0].X)
}

func TestValidateExecutionCompletedMetrics(t *testing.T) {
	body := []byte(`{"event_type":"execution.completed","execution_id":"exec-1","duration_ms":60000,
		"metrics":{"tokens_in":120,"tokens_out":45},"ram_gb":1.5}`)
	d, err := newTestValidator("").Validate(context.Background(), headers(body, ""), body)
	require.NoError(t, err)
	assert.Equal(t, int64(120), d.Event.Metadata["tokens_in"])
	assert.Equal(t, int64(45), d.Event.Metadata["tokens_out"])
	assert.Equal(t, 1.5, d.Event.Metadata["ram_gb"])
}

func TestValidateIdempotencyKeyFromBody(t *testing.T) {
	body := []byte(`{"event_type":"execution.started","execution_id":"exec-1","idempotency_key":"from-body"}`)
	h := headers(body, "")
	h.Del(HeaderIdempotencyKey)
	d, err := newTestValidator("").Validate(context.Background(), h, body)
	require.NoError(t, err)
	assert.Equal(t, "from-body", d.Event.IdempotencyKey)
}

func TestValidateRejections(t *testing.T) {
	valid := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":"1000","value":1,"value_type":"integer"}`)

	tests := []struct {
		name   string
		secret string
		body   []byte
		mutate func(h http.Header)
		want   error
	}{
		{
			name: "missing agent header", body: valid,
			mutate: func(h http.Header) { h.Del(HeaderAgentID) },
			want:   apperr.ErrValidation,
		},
		{
			name: "missing timestamp", body: valid,
			mutate: func(h http.Header) { h.Del(HeaderTimestamp) },
			want:   apperr.ErrValidation,
		},
		{
			name: "missing idempotency key", body: valid,
			mutate: func(h http.Header) { h.Del(HeaderIdempotencyKey) },
			want:   apperr.ErrValidation,
		},
		{
			name: "stale timestamp", body: valid,
			mutate: func(h http.Header) { h.Set(HeaderTimestamp, testNow.Add(-6*time.Minute).Format(time.RFC3339)) },
			want:   apperr.ErrValidation,
		},
		{
			name: "future timestamp", body: valid,
			mutate: func(h http.Header) { h.Set(HeaderTimestamp, testNow.Add(6*time.Minute).Format(time.RFC3339)) },
			want:   apperr.ErrValidation,
		},
		{
			name: "bad timestamp", body: valid,
			mutate: func(h http.Header) { h.Set(HeaderTimestamp, "yesterday") },
			want:   apperr.ErrValidation,
		},
		{
			name: "missing signature", secret: secret, body: valid,
			mutate: func(h http.Header) { h.Del(HeaderSignature) },
			want:   apperr.ErrAuth,
		},
		{
			name: "wrong secret", secret: secret, body: valid,
			mutate: func(h http.Header) { h.Set(HeaderSignature, Sign("other", valid)) },
			want:   apperr.ErrAuth,
		},
		{
			name: "non-hex signature", secret: secret, body: valid,
			mutate: func(h http.Header) { h.Set(HeaderSignature, "sha256=zz") },
			want:   apperr.ErrAuth,
		},
		{
			name: "agent mismatch", body: []byte(`{"event_type":"execution.started","execution_id":"e","agent_id":"agent-b"}`),
			want: apperr.ErrValidation,
		},
		{
			name: "count without value_type", body: []byte(`{"event_type":"job.completed","execution_id":"e","kpi_key":"1000","value":1}`),
			want: apperr.ErrValidation,
		},
		{
			name: "count without value", body: []byte(`{"event_type":"job.completed","execution_id":"e","kpi_key":"1000","value_type":"integer"}`),
			want: apperr.ErrValidation,
		},
		{
			name: "graph without events", body: []byte(`{"event_type":"job.completed","execution_id":"e","kpi_key":"1001","date_time":"2025-01-15T11:58:00Z"}`),
			want: apperr.ErrValidation,
		},
		{
			name: "unknown kpi", body: []byte(`{"event_type":"job.started","execution_id":"e","kpi_key":"4242"}`),
			want: apperr.ErrNotFound,
		},
		{
			name: "job without kpi", body: []byte(`{"event_type":"job.started","execution_id":"e"}`),
			want: apperr.ErrValidation,
		},
		{
			name: "legacy type without execution", body: []byte(`{"event_type":"agent.heartbeat"}`),
			want: apperr.ErrValidation,
		},
		{
			name: "negative duration", body: []byte(`{"event_type":"execution.completed","execution_id":"e","duration_ms":-1}`),
			want: apperr.ErrValidation,
		},
		{
			name: "malformed json", body: []byte(`{"event_type":`),
			want: apperr.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := headers(tt.body, tt.secret)
			if tt.mutate != nil {
				tt.mutate(h)
			}
			_, err := newTestValidator(tt.secret).Validate(context.Background(), h, tt.body)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestValidateTamperedBody(t *testing.T) {
	body := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":"1000","value":1,"value_type":"integer"}`)
	h := headers(body, secret)
	tampered := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":"1000","value":1000,"value_type":"integer"}`)

	_, err := newTestValidator(secret).Validate(context.Background(), h, tampered)
	assert.True(t, errors.Is(err, apperr.ErrAuth))
}

func TestValidateLegacyType(t *testing.T) {
	body := []byte(`{"event_type":"agent.custom","execution_id":"exec-1","kpi_key":"1000","value":2}`)
	d, err := newTestValidator("").Validate(context.Background(), headers(body, ""), body)
	require.NoError(t, err)
	assert.Equal(t, events.EventType("agent.custom"), d.Event.EventType)
	require.NotNil(t, d.Event.Value)
	assert.Equal(t, 2.0, *d.Event.Value)
}

func TestValidateJobStartedDropsValue(t *testing.T) {
	body := []byte(`{"event_type":"job.started","execution_id":"exec-1","kpi_key":"1000","value":9}`)
	d, err := newTestValidator("").Validate(context.Background(), headers(body, ""), body)
	require.NoError(t, err)
	assert.Nil(t, d.Event.Value)
	assert.Equal(t, "count", d.Event.Metadata["kpi_type"])
}
