package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coachchat",
		Name:      "messages_appended_total",
		Help:      "Messages persisted, by sender role.",
	}, []string{"sender_role"})

	ReadReceipts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coachchat",
		Name:      "read_receipts_total",
		Help:      "Messages transitioned from unread to read.",
	})

	AttachmentUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coachchat",
		Name:      "attachment_uploads_total",
		Help:      "Attachment uploads, by outcome.",
	}, []string{"outcome"})

	RealtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coachchat",
		Name:      "realtime_events_total",
		Help:      "Realtime events, by stage (published, delivered, dropped, relayed).",
	}, []string{"stage"})

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coachchat",
		Name:      "websocket_connections",
		Help:      "Open websocket connections.",
	})
)
