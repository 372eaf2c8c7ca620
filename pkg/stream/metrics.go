package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hed1ad/spiked/pkg/detectors"
)

// Metrics are the Prometheus collectors updated by a Manager.
type Metrics struct {
	observations  *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	pValue        *prometheus.GaugeVec
	logMartingale *prometheus.GaugeVec
	series        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		observations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spiked_observations_total",
				Help: "Total number of scored observations.",
			},
			[]string{"series"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spiked_alerts_total",
				Help: "Total number of alerted observations.",
			},
			[]string{"series"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spiked_rejected_total",
				Help: "Total number of rejected observations.",
			},
			[]string{"series"},
		),
		pValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spiked_p_value",
				Help: "P-value of the last scored observation.",
			},
			[]string{"series"},
		),
		logMartingale: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spiked_log_martingale",
				Help: "Log martingale score after the last scored observation.",
			},
			[]string{"series"},
		),
		series: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spiked_series",
				Help: "Number of tracked series.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.observations, m.alerts, m.rejected, m.pValue, m.logMartingale, m.series)
	}
	return m
}

func (m *Metrics) observe(key string, p detectors.Prediction) {
	m.observations.WithLabelValues(key).Inc()
	if p.Alert {
		m.alerts.WithLabelValues(key).Inc()
	}
	m.pValue.WithLabelValues(key).Set(p.PValue)
	m.logMartingale.WithLabelValues(key).Set(p.LogMartingale)
}

func (m *Metrics) reject(key string) {
	m.rejected.WithLabelValues(key).Inc()
}

func (m *Metrics) setSeries(n int) {
	m.series.Set(float64(n))
}
