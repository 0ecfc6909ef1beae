package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons reported on messages_dropped_total.
const (
	DropMalformed     = "malformed"
	DropUnknownTopic  = "unknown_topic"
	DropPersistFull   = "persist_queue_full"
	DropPersistFailed = "persist_failed"
)

// Metrics holds the pipeline's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived   *prometheus.CounterVec
	messagesDropped    *prometheus.CounterVec
	samplesAccumulated prometheus.Counter
	flushTicks         prometheus.Counter
	persistWrites      *prometheus.CounterVec
	devicesOnline      prometheus.Gauge
	alertsSent         *prometheus.CounterVec
}

// NewMetrics registers all instruments on a private registry under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ecgmon"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound transport messages by kind (realtime, status).",
		}, []string{"kind"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages or writes dropped, by reason.",
		}, []string{"reason"}),
		samplesAccumulated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_accumulated_total",
			Help:      "Waveform samples appended to intake buffers across all leads.",
		}),
		flushTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_ticks_total",
			Help:      "Render flush ticks executed.",
		}),
		persistWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_writes_total",
			Help:      "Recording store writes by result (success, failure).",
		}, []string{"result"}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_online",
			Help:      "Devices currently considered online.",
		}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Alerts delivered per channel (telegram, webhook).",
		}, []string{"channel"}),
	}

	m.registry.MustRegister(
		m.messagesReceived,
		m.messagesDropped,
		m.samplesAccumulated,
		m.flushTicks,
		m.persistWrites,
		m.devicesOnline,
		m.alertsSent,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SamplesAccumulated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.samplesAccumulated.Add(float64(n))
}

func (m *Metrics) FlushTick() {
	if m == nil {
		return
	}
	m.flushTicks.Inc()
}

func (m *Metrics) PersistWrite(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.persistWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) SetDevicesOnline(n int) {
	if m == nil {
		return
	}
	m.devicesOnline.Set(float64(n))
}

func (m *Metrics) AlertSent(channel string) {
	if m == nil {
		return
	}
	m.alertsSent.WithLabelValues(channel).Inc()
}
