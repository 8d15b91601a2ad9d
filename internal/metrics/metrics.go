// Package metrics holds the Prometheus collectors shared by the bus, the
// transmit queue and the UAVCAN transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "uavcan"

var (
	ArenaEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pubsub",
		Name:      "evictions_total",
		Help:      "Messages reclaimed from a topic group arena to make room for new ones.",
	}, []string{"group"})

	ListenerMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pubsub",
		Name:      "listener_misses_total",
		Help:      "Messages evicted before a listener could handle them.",
	}, []string{"topic"})

	PublishDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pubsub",
		Name:      "publish_dropped_total",
		Help:      "Publishes dropped because the message could not fit in the arena.",
	}, []string{"topic"})

	TxFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "can",
		Name:      "tx_frames_total",
		Help:      "Frames handed to the CAN driver.",
	})

	TxFramesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "can",
		Name:      "tx_frames_expired_total",
		Help:      "Frames dropped from the transmit queue after their timeout.",
	})

	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "can",
		Name:      "rx_frames_total",
		Help:      "Frames received from the CAN driver.",
	})

	TransfersSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "tx_transfers_total",
		Help:      "Transfers queued for transmission.",
	}, []string{"type"})

	TransfersReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "rx_transfers_total",
		Help:      "Transfers reassembled and republished on a topic.",
	}, []string{"type"})

	RxErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "rx_errors_total",
		Help:      "Frames rejected by the reassembly codec.",
	}, []string{"reason"})
)
