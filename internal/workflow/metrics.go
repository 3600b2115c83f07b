package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report workflow activity.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	stageRetries  *prometheus.CounterVec
	tokensUsed    *prometheus.CounterVec
	runsActive    prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the engine is instantiated
// multiple times.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided
// registerer. The caller supplies a fresh registry when unique metric names
// are required (for example in tests). Registration errors panic, mirroring
// promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dopilot",
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Duration spent in each workflow stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dopilot",
			Subsystem: "workflow",
			Name:      "stage_failures_total",
			Help:      "Total number of stage executions that failed irrecoverably.",
		},
		[]string{"stage", "reason"},
	)
	stageRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dopilot",
			Subsystem: "workflow",
			Name:      "stage_retries_total",
			Help:      "Number of times a stage execution required a retry.",
		},
		[]string{"stage"},
	)
	tokensUsed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dopilot",
			Subsystem: "workflow",
			Name:      "tokens_used_total",
			Help:      "Provider tokens consumed, by stage.",
		},
		[]string{"stage"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dopilot",
			Subsystem: "workflow",
			Name:      "runs_active",
			Help:      "Number of runs currently being executed by the engine.",
		},
	)

	collectors := []prometheus.Collector{stageDuration, stageFailures, stageRetries, tokensUsed, runsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case stageFailures:
						stageFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case stageRetries:
						stageRetries = already.ExistingCollector.(*prometheus.CounterVec)
					case tokensUsed:
						tokensUsed = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration: stageDuration,
		stageFailures: stageFailures,
		stageRetries:  stageRetries,
		tokensUsed:    tokensUsed,
		runsActive:    runsActive,
	}
}

// ObserveStageDuration records the time spent in a stage with the provided status label.
func (m *Metrics) ObserveStageDuration(stage StageName, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage), status).Observe(duration.Seconds())
}

// IncStageFailure increments the failure counter for the given stage and reason.
func (m *Metrics) IncStageFailure(stage StageName, reason string) {
	if m == nil || m.stageFailures == nil {
		return
	}
	m.stageFailures.WithLabelValues(string(stage), reason).Inc()
}

// AddStageRetries records how many retries a stage execution needed.
func (m *Metrics) AddStageRetries(stage StageName, retries int) {
	if m == nil || m.stageRetries == nil || retries <= 0 {
		return
	}
	m.stageRetries.WithLabelValues(string(stage)).Add(float64(retries))
}

// AddTokensUsed records provider token consumption for a stage.
func (m *Metrics) AddTokensUsed(stage StageName, tokens int) {
	if m == nil || m.tokensUsed == nil || tokens <= 0 {
		return
	}
	m.tokensUsed.WithLabelValues(string(stage)).Add(float64(tokens))
}

// IncActiveRuns marks a run as active.
func (m *Metrics) IncActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// DecActiveRuns marks a run as completed or failed.
func (m *Metrics) DecActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Dec()
}
