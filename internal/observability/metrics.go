package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Metrics is the orchestrator's Prometheus surface. Every method is nil-safe
// so callers never guard on metrics being enabled.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted  prometheus.Counter
	jobsDeduped    prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsTerminal   *prometheus.CounterVec
	jobsRequeued   prometheus.Counter

	queueDepth   *prometheus.GaugeVec
	robotsByStat *prometheus.GaugeVec

	dispatchWait prometheus.Histogram
	jobDuration  prometheus.Histogram

	triggerFires *prometheus.CounterVec
	scheduleFire prometheus.Counter

	framesIn  *prometheus.CounterVec
	framesOut *prometheus.CounterVec

	pgStats *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orc_jobs_submitted_total",
			Help: "Jobs accepted for execution.",
		}),
		jobsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orc_jobs_deduplicated_total",
			Help: "Submissions collapsed into an existing job by the dedup window.",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orc_jobs_dispatched_total",
			Help: "Jobs handed to a robot.",
		}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_jobs_terminal_total",
			Help: "Jobs reaching a terminal status, by status.",
		}, []string{"status"}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orc_jobs_requeued_total",
			Help: "Running jobs returned to the queue after robot loss.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_queue_depth",
			Help: "Jobs currently tracked by the queue, by status.",
		}, []string{"status"}),
		robotsByStat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_robots",
			Help: "Registered robots, by status.",
		}, []string{"status"}),
		dispatchWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orc_dispatch_wait_seconds",
			Help:    "Time from enqueue to hand-off.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orc_job_duration_seconds",
			Help:    "Time from start to terminal for completed jobs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		triggerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_trigger_fires_total",
			Help: "Trigger firings, by trigger type.",
		}, []string{"type"}),
		scheduleFire: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orc_schedule_fires_total",
			Help: "Schedule firings.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_frames_received_total",
			Help: "Wire frames received from robots, by type.",
		}, []string{"type"}),
		framesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_frames_sent_total",
			Help: "Wire frames sent to robots, by type.",
		}, []string{"type"}),
		pgStats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_postgres_stats",
			Help: "Database connection pool stats.",
		}, []string{"metric"}),
	}
	m.registry.MustRegister(
		m.jobsSubmitted, m.jobsDeduped, m.jobsDispatched, m.jobsTerminal,
		m.jobsRequeued, m.queueDepth, m.robotsByStat, m.dispatchWait,
		m.jobDuration, m.triggerFires, m.scheduleFire, m.framesIn,
		m.framesOut, m.pgStats,
	)
	return m
}

// Handler serves the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSubmit() {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc()
}

func (m *Metrics) RecordDedup() {
	if m == nil {
		return
	}
	m.jobsDeduped.Inc()
}

func (m *Metrics) RecordDispatch(waited time.Duration) {
	if m == nil {
		return
	}
	m.jobsDispatched.Inc()
	m.dispatchWait.Observe(waited.Seconds())
}

func (m *Metrics) RecordTerminal(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsTerminal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.jobDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordRequeue() {
	if m == nil {
		return
	}
	m.jobsRequeued.Inc()
}

func (m *Metrics) RecordTriggerFire(triggerType string) {
	if m == nil {
		return
	}
	m.triggerFires.WithLabelValues(triggerType).Inc()
}

func (m *Metrics) RecordScheduleFire() {
	if m == nil {
		return
	}
	m.scheduleFire.Inc()
}

func (m *Metrics) RecordFrameIn(frameType string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordFrameOut(frameType string) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(frameType).Inc()
}

// SetQueueDepths replaces the queue depth gauges from a status snapshot.
func (m *Metrics) SetQueueDepths(depths map[string]int) {
	if m == nil {
		return
	}
	for status, n := range depths {
		m.queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// SetRobotCounts replaces the fleet gauges from a status snapshot.
func (m *Metrics) SetRobotCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.robotsByStat.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveDB samples the connection pool stats.
func (m *Metrics) ObserveDB(db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	m.pgStats.WithLabelValues("open_connections").Set(float64(stats.OpenConnections))
	m.pgStats.WithLabelValues("in_use").Set(float64(stats.InUse))
	m.pgStats.WithLabelValues("idle").Set(float64(stats.Idle))
	m.pgStats.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
	m.pgStats.WithLabelValues("wait_duration_seconds").Set(stats.WaitDuration.Seconds())
}
