package scheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report scheduler activity.
type Metrics struct {
	submitted  prometheus.Counter
	dispatched prometheus.Counter
	retries    prometheus.Counter
	failures   *prometheus.CounterVec
	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when several schedulers exist in one
// process (unit tests, embedded use).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors panic, surfacing configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botflow",
		Subsystem: "scheduler",
		Name:      "tasks_submitted_total",
		Help:      "Total number of items accepted into the ready queue.",
	})
	dispatched := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botflow",
		Subsystem: "scheduler",
		Name:      "tasks_dispatched_total",
		Help:      "Total number of executions started by workers.",
	})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botflow",
		Subsystem: "scheduler",
		Name:      "task_retries_total",
		Help:      "Number of executions re-queued by the retry policy.",
	})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botflow",
		Subsystem: "scheduler",
		Name:      "task_failures_total",
		Help:      "Executions that failed after exhausting the retry policy.",
	}, []string{"kind"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botflow",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Number of items pending in the ready queue.",
	})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botflow",
		Subsystem: "scheduler",
		Name:      "tasks_in_flight",
		Help:      "Number of executions currently running on workers.",
	})

	return &Metrics{
		submitted:  registerCounter(reg, submitted),
		dispatched: registerCounter(reg, dispatched),
		retries:    registerCounter(reg, retries),
		failures:   registerCounterVec(reg, failures),
		queueDepth: registerGauge(reg, queueDepth),
		inFlight:   registerGauge(reg, inFlight),
	}
}

// register helpers reuse an existing collector when the metric was already
// registered, mirroring promauto semantics without the panic on reuse.

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Counter)
		}
		panic(err)
	}
	return c
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Gauge)
		}
		panic(err)
	}
	return g
}
