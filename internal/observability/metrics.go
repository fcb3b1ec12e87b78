package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds substrate's Prometheus metrics.
type Metrics struct {
	Invocations        *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	Compilations       *prometheus.CounterVec
	CompileDuration    prometheus.Histogram
	CacheLookups       *prometheus.CounterVec
	CacheEntries       prometheus.Gauge
	AppletsExpired     prometheus.Counter
	LogMessages        *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "substrate_invocations_total",
			Help: "Applet invocations by outcome (ok or error kind).",
		}, []string{"outcome"}),

		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "substrate_invocation_duration_seconds",
			Help:    "Time from request to guest result, including compilation on a cache miss.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		Compilations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "substrate_compilations_total",
			Help: "Applet compilations by outcome.",
		}, []string{"outcome"}),

		CompileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "substrate_compile_duration_seconds",
			Help:    "Time spent validating and compiling applet binaries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "substrate_cache_lookups_total",
			Help: "Execution cache lookups by result (hit or miss).",
		}, []string{"result"}),

		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "substrate_cache_entries",
			Help: "Compiled artifacts held by the execution cache.",
		}),

		AppletsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "substrate_applets_expired_total",
			Help: "Applets removed after exceeding their idle TTL.",
		}),

		LogMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "substrate_log_messages_total",
			Help: "Topic log messages by status (emitted, filtered or dropped).",
		}, []string{"status"}),
	}
}

// RegisterAppletGauge registers a gauge reporting the number of stored
// applets as returned by count.
func RegisterAppletGauge(reg prometheus.Registerer, count func() int) prometheus.GaugeFunc {
	return promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "substrate_applets",
		Help: "Applets currently stored in the registry.",
	}, func() float64 { return float64(count()) })
}
