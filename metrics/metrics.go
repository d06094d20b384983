// Package metrics exposes controller health to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the controller's Prometheus metrics. A nil *Collector
// is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Commands        *prometheus.CounterVec
	EmergencyStops  *prometheus.CounterVec
	SafetyLevel     prometheus.Gauge
	LinkConnected   prometheus.Gauge
	LinkFailures    *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	Position        *prometheus.GaugeVec
	Temperature     prometheus.Gauge
	ProtocolClients prometheus.Gauge
}

// New registers the metrics against reg, defaulting to the global registry
// when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}
	var err error

	if c.Commands, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "antenna_commands_total",
		Help: "Commands submitted to the arbiter, labeled by source, kind and result.",
	}, []string{"source", "kind", "result"}), "antenna_commands_total"); err != nil {
		return nil, err
	}
	if c.EmergencyStops, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "antenna_emergency_stops_total",
		Help: "Transitions into emergency stop, labeled by reason.",
	}, []string{"reason"}), "antenna_emergency_stops_total"); err != nil {
		return nil, err
	}
	if c.SafetyLevel, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "antenna_safety_level",
		Help: "Current safety level: 0 nominal, 1 warning, 2 emergency stop.",
	}), "antenna_safety_level"); err != nil {
		return nil, err
	}
	if c.LinkConnected, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "antenna_link_connected",
		Help: "1 if the rotator link is connected.",
	}), "antenna_link_connected"); err != nil {
		return nil, err
	}
	if c.LinkFailures, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "antenna_link_failures_total",
		Help: "Failed rotator link calls, labeled by error kind.",
	}, []string{"kind"}), "antenna_link_failures_total"); err != nil {
		return nil, err
	}
	if c.Reconnects, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "antenna_link_reconnects_total",
		Help: "Reconnect attempts, labeled by result.",
	}, []string{"result"}), "antenna_link_reconnects_total"); err != nil {
		return nil, err
	}
	if c.TickDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "antenna_tick_duration_seconds",
		Help:    "Duration of one control loop tick.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
	}), "antenna_tick_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Position, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "antenna_position_degrees",
		Help: "Last measured antenna position.",
	}, []string{"axis"}), "antenna_position_degrees"); err != nil {
		return nil, err
	}
	if c.Temperature, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "antenna_controller_temperature_celsius",
		Help: "Temperature reported by the rotator controller.",
	}), "antenna_controller_temperature_celsius"); err != nil {
		return nil, err
	}
	if c.ProtocolClients, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "antenna_rotctld_clients",
		Help: "Open rotctld client connections.",
	}), "antenna_rotctld_clients"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) CommandResult(source, kind, result string) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(source, kind, result).Inc()
}

// SetSafety records the current level and counts entries into level 2.
func (c *Collector) SetSafety(level int, reason string, entered bool) {
	if c == nil {
		return
	}
	c.SafetyLevel.Set(float64(level))
	if entered && level == 2 {
		c.EmergencyStops.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) SetLinkConnected(connected bool) {
	if c == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	c.LinkConnected.Set(v)
}

func (c *Collector) LinkFailure(kind string) {
	if c == nil {
		return
	}
	c.LinkFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) Reconnect(ok bool) {
	if c == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	c.Reconnects.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

func (c *Collector) SetPosition(az, el, temperature float64) {
	if c == nil {
		return
	}
	c.Position.WithLabelValues("azimuth").Set(az)
	c.Position.WithLabelValues("elevation").Set(el)
	c.Temperature.Set(temperature)
}

func (c *Collector) ClientConnected(delta int) {
	if c == nil {
		return
	}
	c.ProtocolClients.Add(float64(delta))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
