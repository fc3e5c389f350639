package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/luca-patrignani/p2p-ledger/ledger"
)

const namespace = "ledger"

// Metrics are the prometheus collectors a Node updates.
type Metrics struct {
	Height         prometheus.Gauge
	Received       *prometheus.CounterVec
	Updates        *prometheus.CounterVec
	DecodeFailures prometheus.Counter
	PublishErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Height: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Number of blocks in the local chain, genesis included.",
		}),
		Received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from peers by kind.",
		}, []string{"kind"}),
		Updates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_updates_total",
			Help:      "Block and chain updates by kind and result.",
		}, []string{"kind", "result"}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Payloads dropped because they did not decode.",
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Payloads that could not be delivered to every peer.",
		}),
	}
}

func (m *Metrics) observe(outcome ledger.Outcome, height int) {
	m.Height.Set(float64(height))
	if outcome.Kind == ledger.KindUnknown {
		m.DecodeFailures.Inc()
		return
	}
	m.Received.WithLabelValues(outcome.Kind.String()).Inc()
	if outcome.Kind == ledger.KindResponseLatest || outcome.Kind == ledger.KindResponseAll {
		result := "accepted"
		if !outcome.Accepted {
			result = "rejected"
		}
		m.Updates.WithLabelValues(outcome.Kind.String(), result).Inc()
	}
}
