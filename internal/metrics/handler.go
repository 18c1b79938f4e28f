package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the admin metrics endpoint.
type Summary struct {
	HTTP      httpSummary      `json:"http"`
	Admin     httpSummary      `json:"admin"`
	Ingestion ingestionSummary `json:"ingestion"`
	Rollups   rollupSummary    `json:"rollups"`
	Reconcile reconcileSummary `json:"reconcile"`
	Invoices  invoiceSummary   `json:"invoices"`
	Auth      authInfo         `json:"auth"`
	DB        dbInfo           `json:"db"`
	Server    serverInfo       `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type ingestionSummary struct {
	Stored           float64 `json:"stored"`
	AlreadyProcessed float64 `json:"alreadyProcessed"`
	Rejected         float64 `json:"rejected"`
	GraphPoints      float64 `json:"graphPoints"`
	P95Processing    float64 `json:"p95Processing"`
}

type rollupSummary struct {
	Applied  float64 `json:"applied"`
	Reverted float64 `json:"reverted"`
	Skipped  float64 `json:"skipped"`
}

type reconcileSummary struct {
	Runs        float64 `json:"runs"`
	FailedRuns  float64 `json:"failedRuns"`
	Processed   float64 `json:"processed"`
	Errors      float64 `json:"errors"`
	LastRunTime float64 `json:"lastRunTime"`
}

type invoiceSummary struct {
	Generated float64 `json:"generated"`
	Failed    float64 `json:"failed"`
}

type authInfo struct {
	Failures float64 `json:"failures"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
	EmptyAcquires float64 `json:"emptyAcquires"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	requests := fam["agentmeter_http_requests_total"]
	durations := fam["agentmeter_http_request_duration_seconds"]
	webhook := fam["agentmeter_webhook_events_total"]
	rollups := fam["agentmeter_rollup_increments_total"]
	runs := fam["agentmeter_reconcile_runs_total"]
	jobs := fam["agentmeter_reconcile_jobs_total"]
	invoices := fam["agentmeter_invoices_generated_total"]
	start := gaugeValue(fam["agentmeter_server_start_time_seconds"])

	return &Summary{
		HTTP:  kindSummary(requests, durations, "webhook"),
		Admin: kindSummary(requests, durations, "admin"),
		Ingestion: ingestionSummary{
			Stored:           sumCounterWithLabel(webhook, "outcome", "stored"),
			AlreadyProcessed: sumCounterWithLabel(webhook, "outcome", "already_processed"),
			Rejected:         sumCounterWithLabel(webhook, "outcome", "rejected"),
			GraphPoints:      counterValue(fam["agentmeter_graph_points_total"]),
			P95Processing:    histogramPercentile(fam["agentmeter_webhook_processing_seconds"], 0.95, nil),
		},
		Rollups: rollupSummary{
			Applied:  counterWithLabels(rollups, map[string]string{"op": "apply", "result": "applied"}),
			Reverted: counterWithLabels(rollups, map[string]string{"op": "revert", "result": "applied"}),
			Skipped:  sumCounterWithLabel(rollups, "result", "skipped"),
		},
		Reconcile: reconcileSummary{
			Runs:        sumCounter(runs),
			FailedRuns:  sumCounterWithLabel(runs, "status", "error"),
			Processed:   sumCounterWithLabel(jobs, "result", "processed"),
			Errors:      sumCounterWithLabel(jobs, "result", "error"),
			LastRunTime: gaugeValue(fam["agentmeter_reconcile_last_run_time_seconds"]),
		},
		Invoices: invoiceSummary{
			Generated: sumCounterWithLabel(invoices, "status", "ok"),
			Failed:    sumCounterWithLabel(invoices, "status", "error"),
		},
		Auth: authInfo{
			Failures: sumCounter(fam["agentmeter_auth_failures_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["agentmeter_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["agentmeter_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["agentmeter_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["agentmeter_db_pool_max_conns"]),
			EmptyAcquires: counterValue(fam["agentmeter_db_pool_empty_acquires_total"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

func kindSummary(requests, durations *dto.MetricFamily, kind string) httpSummary {
	match := map[string]string{"kind": kind}
	return httpSummary{
		TotalRequests: sumCounterWithLabel(requests, "kind", kind),
		ErrorRate:     computeErrorRate(requests, match),
		P50Latency:    histogramPercentile(durations, 0.50, match),
		P95Latency:    histogramPercentile(durations, 0.95, match),
		P99Latency:    histogramPercentile(durations, 0.99, match),
	}
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func counterWithLabels(f *dto.MetricFamily, want map[string]string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabels(m, want) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	return counterWithLabels(f, map[string]string{labelName: labelValue})
}

func computeErrorRate(f *dto.MetricFamily, want map[string]string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabels(m, want) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from the aggregated buckets of
// the metrics matching want, using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, want map[string]string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabels(m, want) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past every finite bucket: report the largest finite bound.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
