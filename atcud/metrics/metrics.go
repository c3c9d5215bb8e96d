// Package metrics exposes Prometheus instrumentation for allocation and
// authority registration. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "atcud"

type Metrics struct {
	Allocations          *prometheus.CounterVec
	LockWait             prometheus.Histogram
	Registrations        *prometheus.CounterVec
	RegistrationAttempts prometheus.Counter
	Generated            *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Sequence allocations by result.",
		}, []string{"result"}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a series lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Series registrations by outcome.",
		}, []string{"outcome"}),
		RegistrationAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_attempts_total",
			Help:      "Requests sent to the authority series service.",
		}),
		Generated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_generated_total",
			Help:      "ATCUD codes issued, by kind (fiscal or temporary).",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Allocations, m.LockWait, m.Registrations, m.RegistrationAttempts, m.Generated)
	}
	return m
}

func (m *Metrics) ObserveAllocation(result string) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveRegistration(outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAttempt() {
	if m == nil {
		return
	}
	m.RegistrationAttempts.Inc()
}

func (m *Metrics) ObserveGenerated(kind string) {
	if m == nil {
		return
	}
	m.Generated.WithLabelValues(kind).Inc()
}
