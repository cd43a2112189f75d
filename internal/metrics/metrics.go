// Package metrics holds the Prometheus collectors of the bridge. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "plcbridge"

type Metrics struct {
	Viewers       prometheus.Gauge
	SessionOpen   prometheus.Gauge
	Notifications *prometheus.CounterVec // by variable
	OutputWrites  *prometheus.CounterVec // by result: ok, error
	SetupFailures *prometheus.CounterVec // by kind: connection, not_found, subscription, timeout, other
	Terminations  prometheus.Counter
	DroppedSends  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Number of attached viewers",
		}),
		SessionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_open",
			Help:      "1 while the upstream session is ready, 0 otherwise",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Change notifications received from the upstream",
		}, []string{"variable"}),
		OutputWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_writes_total",
			Help:      "Writes issued to the physical output",
		}, []string{"result"}),
		SetupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_failures_total",
			Help:      "Failed session setups",
		}, []string{"kind"}),
		Terminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_terminations_total",
			Help:      "Subscriptions dropped by the upstream without being requested",
		}),
		DroppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Messages a viewer could not accept; the viewer is evicted",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Viewers, m.SessionOpen, m.Notifications, m.OutputWrites,
		m.SetupFailures, m.Terminations, m.DroppedSends,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SetViewers(n int) {
	if m == nil {
		return
	}
	m.Viewers.Set(float64(n))
}

func (m *Metrics) SetSessionOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.SessionOpen.Set(1)
	} else {
		m.SessionOpen.Set(0)
	}
}

func (m *Metrics) ObserveNotification(variable string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(variable).Inc()
}

func (m *Metrics) ObserveWrite(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.OutputWrites.WithLabelValues("error").Inc()
		return
	}
	m.OutputWrites.WithLabelValues("ok").Inc()
}

func (m *Metrics) ObserveSetupFailure(kind string) {
	if m == nil {
		return
	}
	m.SetupFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveTermination() {
	if m == nil {
		return
	}
	m.Terminations.Inc()
}

func (m *Metrics) ObserveDroppedSend() {
	if m == nil {
		return
	}
	m.DroppedSends.Inc()
}
