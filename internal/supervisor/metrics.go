package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus series describing connection health.
type Metrics struct {
	LayerUp  *prometheus.GaugeVec
	Attempts *prometheus.CounterVec
	Messages *prometheus.CounterVec
}

// NewMetrics creates the supervisor metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LayerUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netclient_layer_up",
			Help: "Whether a connection layer is established (1) or not (0).",
		}, []string{"layer"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netclient_reconnect_attempts_total",
			Help: "Total connect attempts per layer, by result.",
		}, []string{"layer", "result"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netclient_mqtt_messages_total",
			Help: "Total inbound MQTT messages, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) setUp(layer string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.LayerUp.WithLabelValues(layer).Set(v)
}

func (m *Metrics) attempt(layer string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Attempts.WithLabelValues(layer, result).Inc()
}

// ObserveMessage counts one inbound message. It matches the observer
// signature of mqtt.WithMessageObserver.
func (m *Metrics) ObserveMessage(result string) {
	m.Messages.WithLabelValues(result).Inc()
}
