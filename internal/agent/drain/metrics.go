package drain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	drainPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_drain_passes_total",
		Help: "Number of completed drain passes.",
	})

	itemsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_items_recovered_total",
		Help: "Items returned to QUEUED by the crash-recovery step.",
	})

	itemsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_uploads_completed_total",
		Help: "Uploads confirmed processed by the server.",
	})

	itemsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_uploads_failed_total",
		Help: "Uploads that hit a permanent failure.",
	})

	itemsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_uploads_requeued_total",
		Help: "Uploads returned to QUEUED after a retryable failure.",
	})

	itemsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_uploads_cancelled_total",
		Help: "Uploads cancelled by the user mid-flight.",
	})

	bytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_upload_bytes_sent_total",
		Help: "Total payload bytes accepted by the server.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uplink_queue_depth",
		Help: "Items currently in QUEUED.",
	})
)
