package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DBPoolStats is a snapshot of connection pool state. It mirrors the parts of
// pgxpool.Stat the summary reports, so this package needs no pgx import.
type DBPoolStats struct {
	Total         int32
	Idle          int32
	Acquired      int32
	Max           int32
	EmptyAcquires int64         // acquires that had to wait for a connection
	AcquireWait   time.Duration // cumulative time spent waiting on acquires
}

// DBPoolStatFunc returns the current pool snapshot.
type DBPoolStatFunc func() DBPoolStats

// dbPoolCollector reads pool stats at scrape time.
type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	total, idle, acquired, max *prometheus.Desc
	emptyAcquires, acquireWait *prometheus.Desc
}

// NewDBPoolCollector exposes pool gauges and saturation counters.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("agentmeter_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		statFunc:      statFunc,
		total:         desc("total_conns", "Total number of connections in the DB pool."),
		idle:          desc("idle_conns", "Number of idle connections in the DB pool."),
		acquired:      desc("acquired_conns", "Number of acquired connections in the DB pool."),
		max:           desc("max_conns", "Maximum size of the DB pool."),
		emptyAcquires: desc("empty_acquires_total", "Acquires that waited because the pool was empty."),
		acquireWait:   desc("acquire_wait_seconds_total", "Cumulative time spent waiting to acquire a connection."),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.acquired
	ch <- c.max
	ch <- c.emptyAcquires
	ch <- c.acquireWait
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statFunc()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(c.total, float64(s.Total))
	gauge(c.idle, float64(s.Idle))
	gauge(c.acquired, float64(s.Acquired))
	gauge(c.max, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireWait.Seconds())
}
