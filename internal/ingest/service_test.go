package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/directory"
	"github.com/alecgard/agentmeter/internal/events"
	"github.com/alecgard/agentmeter/internal/ingest"
	"github.com/alecgard/agentmeter/internal/kpi"
	"github.com/alecgard/agentmeter/internal/memstore"
	"github.com/alecgard/agentmeter/internal/metrics"
	"github.com/alecgard/agentmeter/internal/pricing"
	"github.com/alecgard/agentmeter/internal/rollup"
	"github.com/alecgard/agentmeter/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

type harness struct {
	events   *memstore.Events
	rollups  *memstore.Rollups
	kpis     *kpi.Registry
	pricing  *pricing.Resolver
	metrics  *metrics.Metrics
	svc      *ingest.Service
	countKey string
	graphKey int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		events:  memstore.NewEvents(),
		rollups: memstore.NewRollups(),
		kpis:    kpi.NewRegistry(memstore.NewKPIs()),
		pricing: pricing.NewResolver(memstore.NewPricing()),
		metrics: metrics.New(),
	}
	count, err := h.kpis.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Docs", Type: kpi.TypeCount})
	require.NoError(t, err)
	graph, err := h.kpis.CreateKPI(ctx, kpi.CreateInput{AgentID: "agent-a", Title: "Latency", Type: kpi.TypeGraph, Fields: kpi.Fields{GraphType: "line"}})
	require.NoError(t, err)
	h.countKey, h.graphKey = count.KeyString(), graph.Key

	h.svc = ingest.NewService(
		webhook.NewValidator(secret, 0, h.kpis),
		h.events,
		rollup.NewAggregator(h.rollups),
		h.kpis,
		ingest.WithDirectory(directory.NewPricingChecker(h.pricing)),
		ingest.WithMetrics(h.metrics),
	)
	return h
}

func signedHeaders(body []byte, idem string) http.Header {
	h := http.Header{}
	h.Set(webhook.HeaderAgentID, "agent-a")
	h.Set(webhook.HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))
	h.Set(webhook.HeaderIdempotencyKey, idem)
	h.Set(webhook.HeaderSignature, webhook.Sign(secret, body))
	return h
}

func (h *harness) today(t *testing.T) *rollup.DailyAgentUsage {
	t.Helper()
	day := rollup.DayOf(time.Now())
	rows, err := h.rollups.Range(context.Background(), "agent-a", day, day)
	require.NoError(t, err)
	if len(rows) == 0 {
		return &rollup.DailyAgentUsage{Totals: rollup.Totals{KPIs: map[string]float64{}}}
	}
	return rows[0]
}

func TestIngestIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":"1000","value":2,"value_type":"integer","duration_ms":93000}`)

	first, err := h.svc.Ingest(ctx, signedHeaders(body, "idem_1"), body)
	require.NoError(t, err)
	assert.Equal(t, "stored", first.Outcome)
	assert.Equal(t, "ok", first.Status)
	assert.Nil(t, first.PricingVersion)
	assert.False(t, first.Billable)
	assert.Contains(t, first.TraceID, "agent-a-")

	second, err := h.svc.Ingest(ctx, signedHeaders(body, "idem_1"), body)
	require.NoError(t, err)
	assert.Equal(t, "already_processed", second.Outcome)
	assert.Equal(t, first.EventID, second.EventID)

	usage := h.today(t)
	assert.InDelta(t, 1.55, usage.Totals.RuntimeMinutes, 1e-9)
	assert.Equal(t, 2.0, usage.Totals.KPIs["1000"])
	assert.Equal(t, 1, h.events.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookEventsTotal.WithLabelValues("already_processed", "none")))
}

func TestIngestReportsPricingVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.pricing.Publish(ctx, pricing.PublishInput{AgentID: "agent-a", FixedPerMinRate: 0.02})
	require.NoError(t, err)

	body := []byte(`{"event_type":"execution.started","execution_id":"exec-1"}`)
	r, err := h.svc.Ingest(ctx, signedHeaders(body, "idem_2"), body)
	require.NoError(t, err)
	require.NotNil(t, r.PricingVersion)
	assert.Equal(t, 1, *r.PricingVersion)
	assert.True(t, r.Billable)
}

func TestIngestConcurrentCompletions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := []byte(fmt.Sprintf(`{"event_type":"job.completed","execution_id":"exec-%d","kpi_key":"1000","value":%d,"value_type":"integer","duration_ms":60000}`, i, i+1))
			idem := fmt.Sprintf("idem-%d", i)
			// Each delivery arrives twice.
			for j := 0; j < 2; j++ {
				_, err := h.svc.Ingest(ctx, signedHeaders(body, idem), body)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	usage := h.today(t)
	assert.Equal(t, float64(n*(n+1)/2), usage.Totals.KPIs["1000"])
	assert.InDelta(t, float64(n), usage.Totals.RuntimeMinutes, 1e-9)
	assert.Equal(t, n, h.events.Len())
}

func TestIngestTamperedBodyStoresNothing(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":"1000","value":1,"value_type":"integer"}`)
	headers := signedHeaders(body, "idem_1")
	tampered := []byte(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":"1000","value":9,"value_type":"integer"}`)

	_, err := h.svc.Ingest(context.Background(), headers, tampered)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrAuth))
	assert.Zero(t, h.events.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookEventsTotal.WithLabelValues("rejected", "auth")))
}

func TestIngestGraphCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := []byte(fmt.Sprintf(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":%d,
		"date_time":"2025-01-15T11:58:00Z","events":[{"label":"p50","value":12},{"label":"p99","value":80}]}`, h.graphKey))

	for i := 0; i < 2; i++ {
		_, err := h.svc.Ingest(ctx, signedHeaders(body, "graph-1"), body)
		require.NoError(t, err)
	}

	points, err := h.kpis.GraphDataPoints(ctx, "agent-a", h.graphKey, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, points, 2, "replays must not duplicate samples")
	assert.Empty(t, h.today(t).Totals.KPIs, "graph samples are not rolled up")
}

func TestRecordCompletedWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ts := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	synthValue, liveValue := 5.0, 7.0
	synth := &events.UsageEvent{
		Timestamp:      ts,
		AgentID:        "agent-a",
		ExecutionID:    "exec-1",
		EventType:      events.JobCompleted,
		KPIKey:         "1000",
		Value:          &synthValue,
		IdempotencyKey: "reconcile:exec-1:1000:1",
		Metadata:       map[string]any{events.MetaIncompleteJobProcessed: true},
	}
	_, _, err := h.svc.Record(ctx, synth)
	require.NoError(t, err)

	live := &events.UsageEvent{
		Timestamp:      ts.Add(time.Minute),
		AgentID:        "agent-a",
		ExecutionID:    "exec-1",
		EventType:      events.JobCompleted,
		KPIKey:         "1000",
		Value:          &liveValue,
		IdempotencyKey: "live-1",
	}
	for i := 0; i < 3; i++ {
		_, _, err = h.svc.Record(ctx, live)
		require.NoError(t, err)
	}

	rows, err := h.rollups.Range(ctx, "agent-a", "2025-01-10", "2025-01-10")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, liveValue, rows[0].Totals.KPIs["1000"])
}

func TestVoidBeforeSynthApplyNetsZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := 4.0
	synth, _, err := h.events.Append(ctx, &events.UsageEvent{
		Timestamp:   time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
		AgentID:     "agent-a",
		ExecutionID: "exec-1",
		EventType:   events.JobCompleted,
		KPIKey:      "1000",
		Value:       &v,
		Metadata:    map[string]any{events.MetaIncompleteJobProcessed: true},
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.Void(ctx, synth))
	// The reconciler's own apply lands late.
	_, err = rollup.NewAggregator(h.rollups).Apply(ctx, synth)
	require.NoError(t, err)

	rows, err := h.rollups.Range(ctx, "agent-a", "2025-01-10", "2025-01-10")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Zero(t, rows[0].Totals.KPIs["1000"])
}

type unknownAgents struct{}

func (unknownAgents) Check(context.Context, string) (directory.Verdict, error) {
	return directory.Verdict{Reason: directory.ReasonNotFound}, nil
}

type brokenDirectory struct{}

func (brokenDirectory) Check(context.Context, string) (directory.Verdict, error) {
	return directory.Verdict{}, errors.New("connection refused")
}

func TestIngestDirectoryVerdicts(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"event_type":"execution.started","execution_id":"exec-1"}`)

	h := newHarness(t)
	svc := ingest.NewService(webhook.NewValidator(secret, 0, h.kpis), h.events, rollup.NewAggregator(h.rollups), h.kpis,
		ingest.WithDirectory(unknownAgents{}))
	_, err := svc.Ingest(ctx, signedHeaders(body, "idem-x"), body)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Zero(t, h.events.Len())

	svc = ingest.NewService(webhook.NewValidator(secret, 0, h.kpis), h.events, rollup.NewAggregator(h.rollups), h.kpis,
		ingest.WithDirectory(brokenDirectory{}))
	r, err := svc.Ingest(ctx, signedHeaders(body, "idem-y"), body)
	require.NoError(t, err, "an unreachable directory never drops usage")
	assert.Equal(t, "stored", r.Outcome)
}

type removableAgent struct{ removed bool }

func (d *removableAgent) Check(context.Context, string) (directory.Verdict, error) {
	if d.removed {
		return directory.Verdict{Reason: directory.ReasonNotFound}, nil
	}
	return directory.Verdict{Exists: true}, nil
}

func TestIngestReplayAfterAgentRemoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	dir := &removableAgent{}
	svc := ingest.NewService(webhook.NewValidator(secret, 0, h.kpis), h.events, rollup.NewAggregator(h.rollups), h.kpis,
		ingest.WithDirectory(dir))
	body := []byte(`{"event_type":"execution.started","execution_id":"exec-1"}`)

	first, err := svc.Ingest(ctx, signedHeaders(body, "idem-1"), body)
	require.NoError(t, err)

	dir.removed = true
	replay, err := svc.Ingest(ctx, signedHeaders(body, "idem-1"), body)
	require.NoError(t, err)
	assert.Equal(t, "already_processed", replay.Outcome)
	assert.Equal(t, first.EventID, replay.EventID)

	_, err = svc.Ingest(ctx, signedHeaders(body, "idem-2"), body)
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "new deliveries for a removed agent are rejected")
	assert.Equal(t, 1, h.events.Len())
}

type flakyGraphs struct {
	*kpi.Registry
	failures int
}

func (f *flakyGraphs) AppendGraphDataPoint(ctx context.Context, agentID string, key int, p kpi.DataPoint) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.Registry.AppendGraphDataPoint(ctx, agentID, key, p)
}

func TestIngestGraphWriteFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	graphs := &flakyGraphs{Registry: h.kpis, failures: 1}
	svc := ingest.NewService(webhook.NewValidator(secret, 0, h.kpis), h.events, rollup.NewAggregator(h.rollups), graphs,
		ingest.WithMetrics(h.metrics))
	body := []byte(fmt.Sprintf(`{"event_type":"job.completed","execution_id":"exec-1","kpi_key":%d,
		"date_time":"2025-01-15T11:58:00Z","events":[{"label":"p50","value":12},{"label":"p99","value":80}]}`, h.graphKey))

	_, err := svc.Ingest(ctx, signedHeaders(body, "graph-1"), body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInternal))
	assert.Zero(t, h.events.Len(), "the event waits for its samples")

	r, err := svc.Ingest(ctx, signedHeaders(body, "graph-1"), body)
	require.NoError(t, err)
	assert.Equal(t, "stored", r.Outcome)

	points, err := h.kpis.GraphDataPoints(ctx, "agent-a", h.graphKey, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, points, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.GraphPointsTotal))
}
