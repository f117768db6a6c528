// Package metrics holds the prometheus collectors of the chat session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "minichat"

var (
	ConnectTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connect_total",
		Help:      "Websocket connect attempts by result.",
	}, []string{"result"})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "frames_received_total",
		Help:      "Inbound websocket frames by kind.",
	}, []string{"kind"})

	SendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "send_total",
		Help:      "Outbound messages by result.",
	}, []string{"result"})

	TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "controller",
		Name:      "transitions_total",
		Help:      "Session controller state transitions.",
	}, []string{"from", "to"})

	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "refresh_total",
		Help:      "Token refresh calls by result.",
	}, []string{"result"})

	ExportTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "export",
		Name:      "messages_total",
		Help:      "Messages mirrored to kafka by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(ConnectTotal, FramesTotal, SendTotal, TransitionsTotal, RefreshTotal, ExportTotal)
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
