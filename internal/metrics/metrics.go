// Package metrics exposes driver activity as Prometheus metrics.
//
// Metrics is a dragon.Observer for event and transformation counts and
// reads line counters from the controller at scrape time. Line counters
// belong to the current device session and restart from zero after a
// reopen, which Prometheus treats as a counter reset.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

const namespace = "dragon"

// LinkCounter reports lifetime reconnect counters, as kept by a supervisor.
type LinkCounter interface {
	Opens() uint64
	LinkLosses() uint64
}

// Metrics owns a private registry with the driver collectors.
type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	transformations *prometheus.CounterVec
	buttonPresses   prometheus.Counter
	position        *prometheus.GaugeVec
	connected       prometheus.Gauge
}

var _ dragon.Observer = (*Metrics)(nil)

// New builds the collectors for deviceID. links may be nil when no
// supervisor is in use.
func New(deviceID string, ctrl dragon.Controller, links LinkCounter) *Metrics {
	labels := prometheus.Labels{"device_id": deviceID}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_total",
			Help:        "Decoded inbound events by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		transformations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "transformations_total",
			Help:        "Issued transformations by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		buttonPresses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "button_presses_total",
			Help:        "Button press edges.",
			ConstLabels: labels,
		}),
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "actuator_position_percent",
			Help:        "Last reported fan position.",
			ConstLabels: labels,
		}, []string{"actuator"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connected",
			Help:        "1 while a device link is open.",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		m.events,
		m.transformations,
		m.buttonPresses,
		m.position,
		m.connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if ctrl != nil {
		m.registry.MustRegister(
			statsCounter(labels, "lines_tx_total", "Lines written to the device.", ctrl,
				func(s dragon.Stats) uint64 { return s.LinesTx }),
			statsCounter(labels, "lines_rx_total", "Lines read from the device.", ctrl,
				func(s dragon.Stats) uint64 { return s.LinesRx }),
			statsCounter(labels, "unknown_lines_total", "Inbound lines that did not decode.", ctrl,
				func(s dragon.Stats) uint64 { return s.UnknownLines }),
			statsCounter(labels, "errors_total", "Read and write errors.", ctrl,
				func(s dragon.Stats) uint64 { return s.ErrorsTotal }),
		)
	}
	if links != nil {
		m.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "link_losses_total",
				Help:        "Device sessions ended by a lost link.",
				ConstLabels: labels,
			}, func() float64 { return float64(links.LinkLosses()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "opens_total",
				Help:        "Device sessions opened.",
				ConstLabels: labels,
			}, func() float64 { return float64(links.Opens()) }),
		)
	}

	return m
}

func statsCounter(labels prometheus.Labels, name, help string, ctrl dragon.Controller, pick func(dragon.Stats) uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, func() float64 { return float64(pick(ctrl.Stats())) })
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OnEvent counts the event and tracks positions and presses.
func (m *Metrics) OnEvent(ev dragon.Event, state dragon.StateSnapshot) {
	m.events.WithLabelValues(ev.Kind.String()).Inc()

	switch ev.Kind {
	case dragon.EventStateReport:
		m.position.WithLabelValues(dragon.ActuatorA.String()).Set(float64(state.PositionA))
		m.position.WithLabelValues(dragon.ActuatorB.String()).Set(float64(state.PositionB))
	case dragon.EventButtonPressed:
		m.buttonPresses.Inc()
	}
}

// OnTransformation counts t by kind.
func (m *Metrics) OnTransformation(t dragon.Transformation) {
	m.transformations.WithLabelValues(string(t.Kind)).Inc()
}

// SetConnected updates the connected gauge. Suitable as a supervisor
// state hook.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
