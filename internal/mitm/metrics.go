package mitm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the proxy's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	stages   *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "puppet",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Intercepted requests by terminal state and resource type.",
		}, []string{"state", "resource_type"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "puppet",
			Subsystem: "proxy",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"stage"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "puppet",
			Subsystem: "proxy",
			Name:      "interception_errors_total",
			Help:      "Stage failures by stage.",
		}, []string{"stage"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.requests, m.stages, m.failures} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeStage(stage ResourceState, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) finished(rc *RequestContext) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(rc.State()), string(rc.ResourceType)).Inc()
}

func (m *Metrics) failed(stage ResourceState) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(stage)).Inc()
}
