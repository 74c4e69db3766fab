// Package metrics exposes the Prometheus collectors of the delivery path.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

// Result label values.
const (
	ResultDelivered   = "delivered"
	ResultDropped     = "dropped"
	ResultLoopDropped = "loop_dropped"
	ResultDecodeError = "decode_error"
	ResultOK          = "ok"
	ResultError       = "error"
	ResultRejected    = "rejected"
)

// Metrics groups every collector of the server.
type Metrics struct {
	sessionsActive prometheus.Gauge
	deliveries     *prometheus.CounterVec
	busPublished   *prometheus.CounterVec
	busReceived    *prometheus.CounterVec
	rateLimited    prometheus.Counter
	handshakes     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on a private registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on registerer and serves them from gatherer.
func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) (*Metrics, error) {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions held by this instance",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Local deliveries attempted, by message type and result",
		}, []string{"type", "result"}),
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Envelopes published on the cross-instance bus",
		}, []string{"channel", "result"}),
		busReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_received_total",
			Help:      "Envelopes received from the cross-instance bus",
		}, []string{"channel", "result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Sends rejected by the per-principal quota",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Connection handshakes, by result",
		}, []string{"result"}),
		gatherer: gatherer,
	}

	var errs []error
	for _, c := range []prometheus.Collector{
		m.sessionsActive, m.deliveries, m.busPublished, m.busReceived, m.rateLimited, m.handshakes,
	} {
		if err := registerer.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) Delivery(messageType, result string) {
	if m != nil {
		m.deliveries.WithLabelValues(messageType, result).Inc()
	}
}

func (m *Metrics) BusPublished(channel, result string) {
	if m != nil {
		m.busPublished.WithLabelValues(channel, result).Inc()
	}
}

func (m *Metrics) BusReceived(channel, result string) {
	if m != nil {
		m.busReceived.WithLabelValues(channel, result).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) Handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}
