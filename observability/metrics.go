package observability

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Namespace   string // default: eventbus
	Subsystem   string
	ConstLabels prometheus.Labels
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Metrics records delegate measurements as Prometheus collectors.
type Metrics struct {
	state      *prometheus.GaugeVec
	buffer     prometheus.Gauge
	dropped    *prometheus.CounterVec
	flushed    prometheus.Counter
	reconnects prometheus.Counter
}

var _ cbus.Metrics = (*Metrics)(nil)

var states = []cbus.ReadyState{cbus.Connecting, cbus.Open, cbus.Closing, cbus.Closed}

// NewMetrics creates and registers the collectors. Registering twice against the same registerer
// reuses the collectors already there.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "eventbus"
	}

	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}
	}

	m := &Metrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts(opts("state", "1 for the current connection state, 0 otherwise.")),
			[]string{"state"},
		),
		buffer: prometheus.NewGauge(
			prometheus.GaugeOpts(opts("buffer_depth", "Messages waiting in the send buffer.")),
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("dropped_total", "Messages that never reached the transport, by error code.")),
			[]string{"code"},
		),
		flushed: prometheus.NewCounter(
			prometheus.CounterOpts(opts("flushed_total", "Buffered messages handed to the transport.")),
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts(opts("reconnects_total", "Scheduled reconnect attempts.")),
		),
	}

	m.state = register(cfg.Registerer, m.state)
	m.buffer = register(cfg.Registerer, m.buffer)
	m.dropped = register(cfg.Registerer, m.dropped)
	m.flushed = register(cfg.Registerer, m.flushed)
	m.reconnects = register(cfg.Registerer, m.reconnects)

	if m.state == nil || m.buffer == nil || m.dropped == nil || m.flushed == nil || m.reconnects == nil {
		return nil, fmt.Errorf("observability: register metrics in namespace %q", cfg.Namespace)
	}

	return m, nil
}

// register returns the collector now registered under c's descriptor, or the zero value when
// registration failed for another reason.
func register[C prometheus.Collector](r prometheus.Registerer, c C) C {
	err := r.Register(c)
	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}

	var zero C

	return zero
}

func (m *Metrics) ObserveState(s cbus.ReadyState) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}

		m.state.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) ObserveBuffer(depth int) { m.buffer.Set(float64(depth)) }

func (m *Metrics) IncDropped(code string) { m.dropped.WithLabelValues(code).Inc() }

func (m *Metrics) IncFlushed(n int) { m.flushed.Add(float64(n)) }

func (m *Metrics) IncReconnects() { m.reconnects.Inc() }
