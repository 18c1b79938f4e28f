package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/agentmeter/internal/events"
	"github.com/alecgard/agentmeter/internal/ingest"
	"github.com/alecgard/agentmeter/internal/lock"
	"github.com/alecgard/agentmeter/internal/memstore"
	"github.com/alecgard/agentmeter/internal/metrics"
	"github.com/alecgard/agentmeter/internal/rollup"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	events  *memstore.Events
	rollups *memstore.Rollups
	svc     *ingest.Service
	now     time.Time
}

func newFixture() *fixture {
	f := &fixture{events: memstore.NewEvents(), rollups: memstore.NewRollups(), now: t0.Add(90 * time.Minute)}
	f.svc = ingest.NewService(nil, f.events, rollup.NewAggregator(f.rollups), nil)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) record(t *testing.T, ev *events.UsageEvent) {
	t.Helper()
	_, _, err := f.svc.Record(context.Background(), ev)
	require.NoError(t, err)
}

func jobStarted(exec, kpiKey string, ts time.Time) *events.UsageEvent {
	return &events.UsageEvent{
		Timestamp:      ts,
		AgentID:        "agent-a",
		ExecutionID:    exec,
		EventType:      events.JobStarted,
		KPIKey:         kpiKey,
		IdempotencyKey: "start-" + exec + "-" + kpiKey,
		Metadata:       map[string]any{},
	}
}

func jobCompleted(exec, kpiKey string, ts time.Time, v float64) *events.UsageEvent {
	return &events.UsageEvent{
		Timestamp:      ts,
		AgentID:        "agent-a",
		ExecutionID:    exec,
		EventType:      events.JobCompleted,
		KPIKey:         kpiKey,
		Value:          &v,
		IdempotencyKey: "done-" + exec + "-" + kpiKey,
		Metadata:       map[string]any{},
	}
}

func (f *fixture) kpiTotal(t *testing.T, day time.Time, key string) float64 {
	t.Helper()
	d := rollup.DayOf(day)
	rows, err := f.rollups.Range(context.Background(), "agent-a", d, d)
	require.NoError(t, err)
	if len(rows) == 0 {
		return 0
	}
	return rows[0].Totals.KPIs[key]
}

func TestSweepImputesAverageOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.record(t, jobCompleted("hist-1", "1000", t0.AddDate(0, 0, -3), 4))
	f.record(t, jobCompleted("hist-2", "1000", t0.AddDate(0, 0, -2), 6))
	f.record(t, jobStarted("exec-e", "1000", t0))

	m := metrics.New()
	r := New(DefaultConfig(), f.events, f.svc, WithClock(f.clock), WithMetrics(m))

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Errors)

	synth, err := f.events.SynthesizedCompletion(ctx, events.JobTuple{AgentID: "agent-a", ExecutionID: "exec-e", KPIKey: "1000"})
	require.NoError(t, err)
	require.NotNil(t, synth)
	require.NotNil(t, synth.Value)
	assert.Equal(t, 5.0, *synth.Value)
	assert.Equal(t, true, synth.Metadata[events.MetaIncompleteJobProcessed])
	assert.Equal(t, t0.Format(time.RFC3339Nano), synth.Metadata[events.MetaOriginalStartTime])
	assert.Equal(t, 5.0, synth.Metadata[events.MetaCalculatedAverage])
	assert.Equal(t, IdempotencyKey(synth.Tuple(), f.now), synth.IdempotencyKey)
	assert.Equal(t, 5.0, f.kpiTotal(t, f.now, "1000"))

	f.now = f.now.Add(30 * time.Minute)
	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 4, f.events.Len())
	assert.Equal(t, 5.0, f.kpiTotal(t, f.now, "1000"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileJobsTotal.WithLabelValues("processed")))
}

func TestSweepImputationFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		defaults map[string]float64
		history  []float64
		want     float64
	}{
		{name: "no history uses fallback", want: 1},
		{name: "per-kpi default", defaults: map[string]float64{"1000": 12}, want: 12},
		{name: "history beats default", defaults: map[string]float64{"1000": 12}, history: []float64{2, 3, 4}, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			for i, v := range tt.history {
				f.record(t, jobCompleted(string(rune('a'+i)), "1000", t0.Add(-time.Duration(i+1)*time.Hour), v))
			}
			f.record(t, jobStarted("exec-e", "1000", t0))

			cfg := DefaultConfig()
			cfg.DefaultKPIValues = tt.defaults
			res, err := New(cfg, f.events, f.svc, WithClock(f.clock)).Sweep(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, res.Processed)
			assert.InDelta(t, tt.want, f.kpiTotal(t, f.now, "1000"), 1e-9)
		})
	}
}

func TestSweepStaleHistoryIgnored(t *testing.T) {
	f := newFixture()
	f.record(t, jobCompleted("old", "1000", t0.AddDate(0, 0, -45), 100))
	f.record(t, jobStarted("exec-e", "1000", t0))

	_, err := New(DefaultConfig(), f.events, f.svc, WithClock(f.clock)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.kpiTotal(t, f.now, "1000"))
}

func TestSweepLeavesRecentAndCompletedJobs(t *testing.T) {
	f := newFixture()
	f.record(t, jobStarted("recent", "1000", f.now.Add(-10*time.Minute)))
	f.record(t, jobStarted("done", "1000", t0))
	f.record(t, jobCompleted("done", "1000", t0.Add(5*time.Minute), 3))

	res, err := New(DefaultConfig(), f.events, f.svc, WithClock(f.clock)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 3, f.events.Len())
}

type flakyRecorder struct {
	*ingest.Service
	failExec string
}

func (r flakyRecorder) Record(ctx context.Context, ev *events.UsageEvent) (*events.UsageEvent, events.Outcome, error) {
	if ev.ExecutionID == r.failExec {
		return nil, events.Stored, errors.New("store unavailable")
	}
	return r.Service.Record(ctx, ev)
}

func TestSweepIsolatesJobErrors(t *testing.T) {
	f := newFixture()
	f.record(t, jobStarted("exec-1", "1000", t0))
	f.record(t, jobStarted("exec-2", "1000", t0.Add(time.Minute)))
	f.record(t, jobStarted("exec-3", "1001", t0.Add(2*time.Minute)))

	r := New(DefaultConfig(), f.events, flakyRecorder{Service: f.svc, failExec: "exec-2"}, WithClock(f.clock))
	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Errors)

	// The failed job is picked up again on the next tick.
	r.recorder = f.svc
	f.now = f.now.Add(time.Minute)
	res, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

// racingRecorder lands a live completion right after the synthesized one.
type racingRecorder struct {
	*ingest.Service
	live *events.UsageEvent
	once sync.Once
}

func (r *racingRecorder) Record(ctx context.Context, ev *events.UsageEvent) (*events.UsageEvent, events.Outcome, error) {
	stored, outcome, err := r.Service.Record(ctx, ev)
	if err != nil {
		return stored, outcome, err
	}
	r.once.Do(func() {
		// Arrives after the sweep checked for completions.
		_, _, err = r.Service.Record(ctx, r.live)
	})
	return stored, outcome, err
}

func TestSweepLiveCompletionWins(t *testing.T) {
	f := newFixture()
	f.record(t, jobStarted("exec-e", "1000", t0))

	live := jobCompleted("exec-e", "1000", f.now, 7)
	r := New(DefaultConfig(), f.events, &racingRecorder{Service: f.svc, live: live}, WithClock(f.clock))
	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 7.0, f.kpiTotal(t, f.now, "1000"))
}

func TestSweepDeferredWhenLocked(t *testing.T) {
	f := newFixture()
	f.record(t, jobStarted("exec-e", "1000", t0))

	locker := lock.NewLocalLocker()
	_, ok, err := locker.TryLock(context.Background(), LockKey, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := New(DefaultConfig(), f.events, f.svc, WithClock(f.clock), WithLocker(locker)).Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Equal(t, 1, f.events.Len())
}

// ctxLocker fails like a network-backed lock once its context is done.
type ctxLocker struct{ lock.Locker }

func (l ctxLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return l.Locker.TryLock(ctx, key, ttl)
}

func TestSweepOutlivesCallerContext(t *testing.T) {
	f := newFixture()
	f.record(t, jobStarted("exec-e", "1000", t0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(DefaultConfig(), f.events, f.svc, WithClock(f.clock), WithLocker(ctxLocker{lock.NewLocalLocker()}))
	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, f.events.Len())
}

func TestSweepReleasesLock(t *testing.T) {
	f := newFixture()
	locker := lock.NewLocalLocker()
	r := New(DefaultConfig(), f.events, f.svc, WithClock(f.clock), WithLocker(locker))

	for i := 0; i < 2; i++ {
		res, err := r.Sweep(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Deferred)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture()
	f.record(t, jobStarted("exec-e", "1000", t0))

	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	r := New(cfg, f.events, f.svc, WithClock(f.clock))

	stopped := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(stopped)
	}()

	require.Eventually(t, func() bool { return f.events.Len() == 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(Config{}, memstore.NewEvents(), nil)
	cfg := r.Config()
	assert.Equal(t, 30*time.Minute, cfg.Interval)
	assert.Equal(t, 60*time.Minute, cfg.Timeout)
	assert.Equal(t, 30, cfg.AverageDays)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.NotNil(t, cfg.DefaultKPIValues)
}
