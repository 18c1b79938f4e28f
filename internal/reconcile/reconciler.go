// Package reconcile imputes completions for jobs that started but never
// reported back.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/agentmeter/internal/events"
	"github.com/alecgard/agentmeter/internal/lock"
	"github.com/alecgard/agentmeter/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// LockKey names the cross-instance sweep lease.
const LockKey = "agentmeter:reconcile"

// Config controls the sweep.
type Config struct {
	Enabled          bool               `json:"enabled"`
	Interval         time.Duration      `json:"interval"`
	Timeout          time.Duration      `json:"timeout"`
	AverageDays      int                `json:"average_days"`
	BatchSize        int                `json:"batch_size"`
	ScanWindow       time.Duration      `json:"scan_window"`
	DefaultKPIValues map[string]float64 `json:"default_kpi_values"`
	FallbackValue    float64            `json:"fallback_value"`
	LockTTL          time.Duration      `json:"lock_ttl"`
}

// DefaultConfig returns the stock sweep settings.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Interval:         30 * time.Minute,
		Timeout:          60 * time.Minute,
		AverageDays:      30,
		BatchSize:        500,
		ScanWindow:       7 * 24 * time.Hour,
		DefaultKPIValues: map[string]float64{},
		FallbackValue:    1,
		LockTTL:          10 * time.Minute,
	}
}

// Store is the read side of the ledger the sweep needs.
type Store interface {
	PendingStarts(ctx context.Context, from, to time.Time, limit int) ([]*events.UsageEvent, error)
	Completions(ctx context.Context, t events.JobTuple, after time.Time) ([]*events.UsageEvent, error)
	SynthesizedCompletion(ctx context.Context, t events.JobTuple) (*events.UsageEvent, error)
	AverageValue(ctx context.Context, agentID, kpiKey string, since time.Time) (float64, int, error)
}

// Recorder feeds events through the same path as live deliveries.
type Recorder interface {
	Record(ctx context.Context, ev *events.UsageEvent) (*events.UsageEvent, events.Outcome, error)
	Void(ctx context.Context, synth *events.UsageEvent) error
}

// Result summarizes one sweep.
type Result struct {
	Processed  int       `json:"processed"`
	Errors     int       `json:"errors"`
	Skipped    int       `json:"skipped"`
	Deferred   bool      `json:"deferred,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Reconciler runs sweeps on a ticker or on demand. Overlapping calls share
// one run.
type Reconciler struct {
	cfg      Config
	store    Store
	recorder Recorder
	locker   lock.Locker
	metrics  *metrics.Metrics
	now      func() time.Time

	group singleflight.Group
	done  chan struct{}
	stop  sync.Once
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLocker serializes sweeps across instances.
func WithLocker(l lock.Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

// WithMetrics records sweep metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler. Zero config fields take their defaults.
func New(cfg Config, store Store, recorder Recorder, opts ...Option) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.AverageDays <= 0 {
		cfg.AverageDays = def.AverageDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.DefaultKPIValues == nil {
		cfg.DefaultKPIValues = map[string]float64{}
	}
	r := &Reconciler{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective settings.
func (r *Reconciler) Config() Config {
	return r.cfg
}

// Start runs a sweep every interval until Stop is called or ctx is
// cancelled. It blocks.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.Error("reconciliation sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

// Stop ends the Start loop. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.stop.Do(func() { close(r.done) })
}

// Sweep runs one reconciliation pass. Concurrent callers wait for and share
// the in-flight pass, which keeps running if the caller that started it goes
// away.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	v, err, _ := r.group.Do("sweep", func() (any, error) {
		return r.sweep(context.WithoutCancel(ctx))
	})
	res, _ := v.(Result)
	return res, err
}

func (r *Reconciler) sweep(ctx context.Context) (Result, error) {
	now := r.now().UTC()
	res := Result{StartedAt: now}

	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, LockKey, r.cfg.LockTTL)
		if err != nil {
			r.metrics.ObserveReconcile("error", 0, 0, 0, 0)
			return res, fmt.Errorf("acquiring reconcile lock: %w", err)
		}
		if !ok {
			slog.Info("reconciliation sweep deferred, lock held elsewhere")
			res.Deferred = true
			r.metrics.ObserveReconcile("deferred", 0, 0, 0, 0)
			return res, nil
		}
		defer func() {
			if err := r.locker.Release(context.Background(), LockKey, token); err != nil {
				slog.Warn("releasing reconcile lock", "error", err)
			}
		}()
	}

	cutoff := now.Add(-r.cfg.Timeout)
	var from time.Time
	if r.cfg.ScanWindow > 0 {
		from = cutoff.Add(-r.cfg.ScanWindow)
	}

	starts, err := r.store.PendingStarts(ctx, from, cutoff, r.cfg.BatchSize)
	if err != nil {
		r.metrics.ObserveReconcile("error", 0, 0, 0, r.now().Sub(now))
		return res, fmt.Errorf("listing pending job starts: %w", err)
	}

	for _, start := range starts {
		synthesized, err := r.reconcileJob(ctx, start, now)
		switch {
		case err != nil:
			res.Errors++
			slog.Error("reconciling job",
				"agent_id", start.AgentID, "execution_id", start.ExecutionID, "kpi_key", start.KPIKey, "error", err)
		case synthesized:
			res.Processed++
		default:
			res.Skipped++
		}
	}

	elapsed := r.now().Sub(now)
	res.DurationMs = elapsed.Milliseconds()
	r.metrics.ObserveReconcile("ok", res.Processed, res.Errors, res.Skipped, elapsed)
	slog.Info("reconciliation sweep finished",
		"processed", res.Processed, "errors", res.Errors, "skipped", res.Skipped, "duration_ms", res.DurationMs)
	return res, nil
}

// reconcileJob synthesizes a completion for start unless the job already has
// one. It reports whether a completion was synthesized.
func (r *Reconciler) reconcileJob(ctx context.Context, start *events.UsageEvent, now time.Time) (bool, error) {
	if start.KPIKey == "" {
		return false, errors.New("job start has no kpi_key")
	}
	tuple := start.Tuple()

	done, err := r.store.Completions(ctx, tuple, start.Timestamp)
	if err != nil {
		return false, fmt.Errorf("checking completions: %w", err)
	}
	if len(done) > 0 {
		return false, nil
	}
	prior, err := r.store.SynthesizedCompletion(ctx, tuple)
	if err != nil {
		return false, fmt.Errorf("checking prior reconciliation: %w", err)
	}
	if prior != nil {
		return false, nil
	}

	value, err := r.impute(ctx, start.AgentID, start.KPIKey, now)
	if err != nil {
		return false, err
	}

	synth := &events.UsageEvent{
		Timestamp:      now,
		AgentID:        start.AgentID,
		ExecutionID:    start.ExecutionID,
		EventType:      events.JobCompleted,
		KPIKey:         start.KPIKey,
		Value:          &value,
		Unit:           start.Unit,
		IdempotencyKey: IdempotencyKey(tuple, now),
		Metadata: map[string]any{
			events.MetaIncompleteJobProcessed: true,
			events.MetaOriginalStartTime:      start.Timestamp.UTC().Format(time.RFC3339Nano),
			events.MetaCalculatedAverage:      value,
		},
	}
	stored, _, err := r.recorder.Record(ctx, synth)
	if err != nil {
		return false, fmt.Errorf("recording synthesized completion: %w", err)
	}

	// A live completion may have landed between the check above and the
	// append; it wins.
	done, err = r.store.Completions(ctx, tuple, start.Timestamp)
	if err != nil {
		return true, fmt.Errorf("rechecking completions: %w", err)
	}
	for _, ev := range done {
		if !ev.Synthesized() {
			if err := r.recorder.Void(ctx, stored); err != nil {
				return true, fmt.Errorf("voiding synthesized completion: %w", err)
			}
			return false, nil
		}
	}

	slog.Info("synthesized job completion",
		"agent_id", start.AgentID, "execution_id", start.ExecutionID, "kpi_key", start.KPIKey,
		"value", value, "original_start_time", start.Timestamp)
	return true, nil
}

// impute returns the mean of live completions over the lookback window, then
// the per-KPI default, then the fallback.
func (r *Reconciler) impute(ctx context.Context, agentID, kpiKey string, now time.Time) (float64, error) {
	since := now.AddDate(0, 0, -r.cfg.AverageDays)
	avg, n, err := r.store.AverageValue(ctx, agentID, kpiKey, since)
	if err != nil {
		return 0, fmt.Errorf("averaging kpi %s: %w", kpiKey, err)
	}
	if n > 0 {
		return avg, nil
	}
	if v, ok := r.cfg.DefaultKPIValues[kpiKey]; ok {
		return v, nil
	}
	return r.cfg.FallbackValue, nil
}

// IdempotencyKey derives the key of a synthesized completion.
func IdempotencyKey(t events.JobTuple, at time.Time) string {
	return fmt.Sprintf("reconcile:%s:%s:%s:%d", t.AgentID, t.ExecutionID, t.KPIKey, at.UnixMilli())
}
