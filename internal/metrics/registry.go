package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Task results
const (
	ResultSkipped   = "skipped"
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultTimedOut  = "timed_out"
)

// Registry holds the Prometheus metrics of qlibassistant
type Registry struct {
	Tasks            *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	SchedulerRunning prometheus.Gauge
	CollectRecords   *prometheus.CounterVec
	BatchCommands    *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewRegistry creates the metrics and registers them with a private registry
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := newRegistry()
	reg.MustRegister(
		m.Tasks,
		m.TaskDuration,
		m.SchedulerRunning,
		m.CollectRecords,
		m.BatchCommands,
		m.CacheHits,
		m.CacheMisses,
		prometheus.NewGoCollector(),
	)
	m.gatherer = reg
	return m
}

func newRegistry() *Registry {
	return &Registry{
		Tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qlibassistant_tasks_total",
				Help: "Rolling tasks by outcome",
			},
			[]string{"result"},
		),

		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qlibassistant_task_duration_seconds",
				Help:    "Wall time of isolated task executions",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600, 7200},
			},
			[]string{"result"},
		),

		SchedulerRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qlibassistant_scheduler_running",
				Help: "1 while a scheduler pass is in progress",
			},
		),

		CollectRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qlibassistant_collect_records_total",
				Help: "Records seen by the collector",
			},
			[]string{"status"},
		),

		BatchCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qlibassistant_batch_commands_total",
				Help: "Batch commands by outcome",
			},
			[]string{"result"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qlibassistant_cache_hits_total",
				Help: "Enrichment cache hits",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qlibassistant_cache_misses_total",
				Help: "Enrichment cache misses",
			},
			[]string{"cache_type"},
		),
	}
}

// TaskFinished records one scheduler task outcome
func (m *Registry) TaskFinished(result string, d time.Duration) {
	m.Tasks.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		m.TaskDuration.WithLabelValues(result).Observe(d.Seconds())
	}
}

// SetSchedulerRunning flips the running gauge
func (m *Registry) SetSchedulerRunning(running bool) {
	if running {
		m.SchedulerRunning.Set(1)
		return
	}
	m.SchedulerRunning.Set(0)
}

// RecordsCollected adds n records with the given status (loaded or skipped)
func (m *Registry) RecordsCollected(status string, n int) {
	m.CollectRecords.WithLabelValues(status).Add(float64(n))
}

// BatchCommandFinished records one batch command outcome
func (m *Registry) BatchCommandFinished(result string) {
	m.BatchCommands.WithLabelValues(result).Inc()
}

// RecordCacheHit records a cache hit for the specified cache type
func (m *Registry) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss for the specified cache type
func (m *Registry) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
	log.Debug().Str("cache_type", cacheType).Msg("Cache miss")
}

// Gatherer exposes the underlying registry
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Handler serves the registry in the Prometheus exposition format
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
