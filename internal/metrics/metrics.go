// Package metrics exposes service counters and gauges on a private
// Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vrdiag/internal/codepool"
	"vrdiag/pkg/types"
)

const namespace = "vrdiag"

const statsTimeout = 2 * time.Second

// DeviceCounter reports how many device channels are open.
type DeviceCounter interface {
	Count() int
}

// Metrics implements the observer hooks of the session, router and
// coordinator packages.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	drops       *prometheus.CounterVec
	uploads     *prometheus.CounterVec
}

func New(pool codepool.Pool, devices DeviceCounter) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state changes by target state.",
		}, []string{"from", "to"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_messages_dropped_total",
			Help:      "Device messages that were not applied, by reason.",
		}, []string{"reason"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_uploads_total",
			Help:      "Result uploads by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.transitions,
		m.drops,
		m.uploads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if pool != nil {
		stat := func(pick func(codepool.Stats) int) func() float64 {
			return func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
				defer cancel()
				st, err := pool.Stats(ctx)
				if err != nil {
					return 0
				}
				return float64(pick(st))
			}
		}
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "codes_available",
				Help:      "Session codes ready to be handed out.",
			}, stat(func(s codepool.Stats) int { return s.Available })),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "codes_active",
				Help:      "Session codes held by live sessions.",
			}, stat(func(s codepool.Stats) int { return s.Active })),
		)
	}

	if devices != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Open device channels.",
		}, func() float64 { return float64(devices.Count()) }))
	}

	return m
}

// ObserveTransition counts a state change. from is empty on creation.
func (m *Metrics) ObserveTransition(from, to types.State) {
	label := string(from)
	if label == "" {
		label = "NEW"
	}
	m.transitions.WithLabelValues(label, string(to)).Inc()
}

func (m *Metrics) DeviceMessageDropped(reason string) {
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) UploadHandled(outcome string) {
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
