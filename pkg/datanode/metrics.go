package datanode

import (
	"github.com/LeeDigitalWorks/zaprelay/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OperationsTotal counts handled requests by operation and result
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zaprelay",
		Subsystem: "datanode",
		Name:      "operations_total",
		Help:      "Total number of storage node operations",
	}, []string{"operation", "result"}) // operation: "save", "serve", "remove", "invalid"; result: "ok", "error"

	BytesSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zaprelay",
		Subsystem: "datanode",
		Name:      "bytes_saved_total",
		Help:      "Object bytes written to the backend",
	})

	BytesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zaprelay",
		Subsystem: "datanode",
		Name:      "bytes_served_total",
		Help:      "Object bytes streamed to readers",
	})

	// SaveLockWait tracks how long uploads queue behind the node write lock
	SaveLockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zaprelay",
		Subsystem: "datanode",
		Name:      "save_lock_wait_seconds",
		Help:      "Time an upload waited for the node write lock",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zaprelay",
		Subsystem: "datanode",
		Name:      "active_connections",
		Help:      "Connections currently being served",
	})

	// LowSpaceRefusals counts uploads refused before READY for lack of space
	LowSpaceRefusals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zaprelay",
		Subsystem: "datanode",
		Name:      "low_space_refusals_total",
		Help:      "Uploads refused because the backend is below its free space threshold",
	})
)

func init() {
	debug.Registry().MustRegister(
		OperationsTotal,
		BytesSaved,
		BytesServed,
		SaveLockWait,
		ActiveConnections,
		LowSpaceRefusals,
	)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
