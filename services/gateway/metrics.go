// services/gateway/metrics.go
package gateway

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"benchlab-go/bus"
	"benchlab-go/services/topics"
	"benchlab-go/types"
)

// metrics is the gateway's Prometheus surface. The ws gauges are poked
// by the hub; the bus-derived counters are fed by feed.
type metrics struct {
	wsClients     prometheus.Gauge
	wsDrops       prometheus.Counter
	measurements  *prometheus.CounterVec
	sequenceSteps prometheus.Counter
	triggerFires  prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "benchlab_ws_clients",
			Help: "Connected WebSocket clients"}),
		wsDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "benchlab_ws_dropped_total",
			Help: "Broadcasts dropped because a client send queue was full"}),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "benchlab_measurements_total",
			Help: "Measurement broadcasts observed on the bus"}, []string{"device"}),
		sequenceSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "benchlab_sequence_progress_total",
			Help: "Sequence progress broadcasts observed on the bus"}),
		triggerFires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "benchlab_trigger_fired_total",
			Help: "Trigger firings observed on the bus"}),
	}
	reg.MustRegister(m.wsClients, m.wsDrops, m.measurements, m.sequenceSteps, m.triggerFires)
	return m
}

// feed counts bus traffic until ctx ends.
func (m *metrics) feed(ctx context.Context, b *bus.Bus) error {
	conn := b.NewConnection("gateway-metrics")
	defer conn.Disconnect()
	meas := conn.Subscribe(topics.AllMeasurements())
	seq := conn.Subscribe(topics.AllSequences())
	trig := conn.Subscribe(topics.AllTriggers())
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-meas.Channel():
			if mm, ok := msg.Payload.(types.MeasurementMsg); ok {
				m.measurements.WithLabelValues(mm.DeviceID).Inc()
			}
		case msg := <-seq.Channel():
			if _, ok := msg.Payload.(types.SequenceProgressMsg); ok {
				m.sequenceSteps.Inc()
			}
		case msg := <-trig.Channel():
			if _, ok := msg.Payload.(types.TriggerFiredMsg); ok {
				m.triggerFires.Inc()
			}
		}
	}
}
