// Package metrics exposes prometheus counters for the synchronization layer.
// Every error class of the networking core has an emission point here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrorClass names one entry of the error taxonomy.
type ErrorClass string

const (
	ClassTransport       ErrorClass = "transport"
	ClassFraming         ErrorClass = "framing"
	ClassDeserialization ErrorClass = "deserialization"
	ClassTypeMatch       ErrorClass = "type_match"
	ClassFieldAssignment ErrorClass = "field_assignment"
	ClassRegistration    ErrorClass = "registration"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Recorder is the narrow surface the core writes to.
type Recorder interface {
	Error(class ErrorClass)
	Frame(transport, direction string, bytes int)
	Dropped(reason string)
	Entities(n int)
}

type Metrics struct {
	registry *prometheus.Registry

	errors   *prometheus.CounterVec
	frames   *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	entities prometheus.Gauge
}

var _ Recorder = (*Metrics)(nil)

// New registers the collectors on a private registry so several nodes can
// live in one process (tests do this).
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netsync",
			Name:      "errors_total",
			Help:      "Errors recovered inside the networking layer, by class.",
		}, []string{"class"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netsync",
			Name:      "frames_total",
			Help:      "Frames moved over a transport.",
		}, []string{"transport", "direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netsync",
			Name:      "bytes_total",
			Help:      "Bytes moved over a transport, header included.",
		}, []string{"transport", "direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netsync",
			Name:      "inbound_dropped_total",
			Help:      "Inbound messages or payloads discarded before being applied.",
		}, []string{"reason"}),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netsync",
			Name:      "entities",
			Help:      "Entities currently in the registry.",
		}),
	}

	m.registry.MustRegister(m.errors, m.frames, m.bytes, m.dropped, m.entities)
	return m
}

func (m *Metrics) Error(class ErrorClass) {
	m.errors.WithLabelValues(string(class)).Inc()
}

func (m *Metrics) Frame(transport, direction string, bytes int) {
	m.frames.WithLabelValues(transport, direction).Inc()
	m.bytes.WithLabelValues(transport, direction).Add(float64(bytes))
}

func (m *Metrics) Dropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Entities(n int) {
	m.entities.Set(float64(n))
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) Error(ErrorClass)          {}
func (Nop) Frame(string, string, int) {}
func (Nop) Dropped(string)            {}
func (Nop) Entities(int)              {}
