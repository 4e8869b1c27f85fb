package service

import (
	"time"

	"github.com/berfenger/winet2mqtt/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "winet2mqtt"

type Metrics struct {
	cycles              *prometheus.CounterVec
	failures            *prometheus.CounterVec
	consecutiveFailures *prometheus.GaugeVec
	activeTransport     *prometheus.GaugeVec
	stale               prometheus.Gauge
	modbusReads         *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycles_total",
			Help:      "Acquisition cycles by transport and result.",
		}, []string{"transport", "result"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_failures_total",
			Help:      "Transport failures by error kind.",
		}, []string{"transport", "kind"}),
		consecutiveFailures: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "transport_consecutive_failures",
			Help:      "Current consecutive failure count of each transport.",
		}, []string{"transport"}),
		activeTransport: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "transport_active",
			Help:      "1 for the transport currently selected by the fallback chain.",
		}, []string{"transport"}),
		stale: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_stale",
			Help:      "1 when the published snapshot is stale.",
		}),
		modbusReads: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "modbus_read_seconds",
			Help:      "Duration of Modbus operations.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"fn"}),
	}
}

// all methods are nil safe so the coordinator works without metrics

func (m *Metrics) cycle(transportId string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.cycles.WithLabelValues(transportId, result).Inc()
}

func (m *Metrics) failure(transportId string, kind transport.Kind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(transportId, string(kind)).Inc()
}

func (m *Metrics) transportState(state TransportState, active bool) {
	if m == nil {
		return
	}
	m.consecutiveFailures.WithLabelValues(state.Identity).Set(float64(state.ConsecutiveFailures))
	value := 0.0
	if active {
		value = 1
	}
	m.activeTransport.WithLabelValues(state.Identity).Set(value)
}

func (m *Metrics) setStale(stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.stale.Set(1)
	} else {
		m.stale.Set(0)
	}
}

// ObserveModbusRead records the duration of a Modbus operation.
func (m *Metrics) ObserveModbusRead(fnName string, d time.Duration) {
	if m == nil {
		return
	}
	m.modbusReads.WithLabelValues(fnName).Observe(d.Seconds())
}
