package observability

import (
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Check outcomes used as metric labels.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Pool events used as metric labels.
const (
	PoolCreated      = "created"
	PoolCreateFailed = "create_failed"
	PoolReused       = "reused"
	PoolReplaced     = "replaced"
	PoolDestroyed    = "destroyed"
	PoolResetFailed  = "reset_failed"
	PoolExhausted    = "exhausted"
)

// Metrics holds all Prometheus metrics for the monitor.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	checksTotal    *prometheus.CounterVec
	checkDuration  *prometheus.HistogramVec
	fastPathCalls  *prometheus.CounterVec
	poolEvents     *prometheus.CounterVec
	poolSessions   *prometheus.GaugeVec
	poolWait       prometheus.Histogram
	batchDuration  prometheus.Histogram
	batchResults   *prometheus.CounterVec
	persistErrors  *prometheus.CounterVec
	rateLimitWaits prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. A private registry avoids "duplicate collector"
// panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_checks_total",
				Help: "Account checks by resolving source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balance_check_duration_seconds",
				Help:    "Duration of account checks by resolution path.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 90},
			},
			[]string{"path"},
		),
		fastPathCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_fast_path_calls_total",
				Help: "Fast-path upstream calls by route and result.",
			},
			[]string{"route", "result"},
		),
		poolEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_session_pool_events_total",
				Help: "Session pool lifecycle events.",
			},
			[]string{"event"},
		),
		poolSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "balance_session_pool_sessions",
				Help: "Sessions currently held by the pool by state.",
			},
			[]string{"state"},
		),
		poolWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "balance_session_pool_wait_seconds",
				Help:    "Time spent waiting to acquire a session.",
				Buckets: prometheus.DefBuckets,
			},
		),
		batchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "balance_batch_duration_seconds",
				Help:    "Duration of full check batches.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		batchResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_batch_results_total",
				Help: "Per-account results produced by batches.",
			},
			[]string{"outcome"},
		),
		persistErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_persist_errors_total",
				Help: "Failed writes of local state files.",
			},
			[]string{"store"},
		),
		rateLimitWaits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "balance_fast_path_rate_limit_waits_total",
				Help: "Fast-path calls delayed by the rate limiter.",
			},
		),
	}
}

// RecordCheck records one finished account check.
func (m *Metrics) RecordCheck(path, source, outcome string, d time.Duration) {
	m.checksTotal.WithLabelValues(source, outcome).Inc()
	m.checkDuration.WithLabelValues(path).Observe(d.Seconds())
}

// IncrFastPath counts one upstream call of the fast path.
func (m *Metrics) IncrFastPath(route, result string) {
	m.fastPathCalls.WithLabelValues(route, result).Inc()
}

// IncrPoolEvent counts a session pool lifecycle event.
func (m *Metrics) IncrPoolEvent(event string) {
	m.poolEvents.WithLabelValues(event).Inc()
}

// SetPoolSessions publishes the pool occupancy.
func (m *Metrics) SetPoolSessions(available, busy int) {
	m.poolSessions.WithLabelValues("available").Set(float64(available))
	m.poolSessions.WithLabelValues("busy").Set(float64(busy))
}

// ObservePoolWait records how long an acquire waited.
func (m *Metrics) ObservePoolWait(d time.Duration) {
	m.poolWait.Observe(d.Seconds())
}

// RecordBatch records a finished coordinator batch.
func (m *Metrics) RecordBatch(stats domain.BatchStats) {
	m.batchDuration.Observe(stats.Duration.Seconds())
	m.batchResults.WithLabelValues(OutcomeOK).Add(float64(stats.Succeeded))
	m.batchResults.WithLabelValues(OutcomeError).Add(float64(stats.Failed - stats.TimedOut))
	m.batchResults.WithLabelValues(OutcomeTimeout).Add(float64(stats.TimedOut))
}

// IncrPersistError counts a failed state file write.
func (m *Metrics) IncrPersistError(store string) {
	m.persistErrors.WithLabelValues(store).Inc()
}

// IncrRateLimitWait counts a delayed fast-path call.
func (m *Metrics) IncrRateLimitWait() {
	m.rateLimitWaits.Inc()
}

// Snapshot returns cumulative counters suitable for GET /v1/stats.
func (m *Metrics) Snapshot() *domain.MetricsSnapshot {
	sum := func(cv *prometheus.CounterVec, labels ...[]string) float64 {
		total := 0.0
		for _, l := range labels {
			total += getCounterValue(cv, l...)
		}
		return total
	}

	apiOK := getCounterValue(m.checksTotal, domain.SourceAPI, OutcomeOK)
	webOK := getCounterValue(m.checksTotal, domain.SourceWeb, OutcomeOK)
	cacheOK := getCounterValue(m.checksTotal, domain.SourceCache, OutcomeOK)
	failed := sum(m.checksTotal,
		[]string{domain.SourceAPI, OutcomeError},
		[]string{domain.SourceWeb, OutcomeError},
		[]string{domain.SourceCache, OutcomeError},
	)
	timeouts := getCounterValue(m.batchResults, OutcomeTimeout)

	ok := apiOK + webOK + cacheOK
	hitRate := 0.0
	if ok > 0 {
		hitRate = apiOK / ok
	}

	return &domain.MetricsSnapshot{
		ChecksOK:          int64(ok),
		ChecksFailed:      int64(failed),
		FastPathHits:      int64(apiOK),
		SessionPathHits:   int64(webOK),
		CacheFallbacks:    int64(cacheOK),
		Timeouts:          int64(timeouts),
		FastPathHitRate:   hitRate,
		SessionsCreated:   int64(getCounterValue(m.poolEvents, PoolCreated)),
		SessionsDestroyed: int64(getCounterValue(m.poolEvents, PoolDestroyed)),
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter := cv.WithLabelValues(labels...)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
