package metrics

import "github.com/prometheus/client_golang/prometheus"

// Acquisition outcomes used as the "outcome" label of AcquireCounter.
const (
	OutcomeAcquired    = "acquired"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
	OutcomeError       = "error"
)

var (
	// AcquireCounter counts acquisition attempts by outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_acquire_total",
		Help: "Total number of lock acquisition attempts by outcome",
	}, []string{"outcome"})
	// AcquireWait observes how long acquisitions waited.
	AcquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guard_acquire_wait_seconds",
		Help:    "Time spent waiting for a lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	// RunningGauge reports guarded operations currently holding a lock.
	RunningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guard_running",
		Help: "Current number of guarded operations running under a lock",
	})
	// ReleaseFailureCounter counts releases rejected by the lock service.
	ReleaseFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_release_failures_total",
		Help: "Total number of failed lock releases",
	})
	// LeaseLostCounter counts leases no longer owned when the operation finished.
	LeaseLostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_lease_lost_total",
		Help: "Total number of leases lost before release",
	})
	// KeyResolutionFailureCounter counts invocations rejected before locking.
	KeyResolutionFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_key_resolution_failures_total",
		Help: "Total number of lock keys that could not be resolved",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterGuardMetrics registers the guard metrics on the provided registry.
func RegisterGuardMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Collectors()...)
}

// Collectors returns every guard collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		AcquireCounter,
		AcquireWait,
		RunningGauge,
		ReleaseFailureCounter,
		LeaseLostCounter,
		KeyResolutionFailureCounter,
	}
}
