package coordinator

import (
	"github.com/LeeDigitalWorks/zaprelay/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OperationsTotal counts client requests by operation and result
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zaprelay",
		Subsystem: "coordinator",
		Name:      "operations_total",
		Help:      "Total number of client operations",
	}, []string{"operation", "result"}) // operation: "upload", "download", "delete", "listing", "invalid"

	// BytesRelayed counts payload bytes moved through the coordinator
	BytesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zaprelay",
		Subsystem: "coordinator",
		Name:      "bytes_relayed_total",
		Help:      "Object bytes relayed between clients and storage nodes",
	}, []string{"direction"}) // direction: "upload", "download"

	HandshakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zaprelay",
		Subsystem: "coordinator",
		Name:      "upload_handshake_seconds",
		Help:      "Time to open and handshake every replica of an upload",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	ReplicaRefusals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zaprelay",
		Subsystem: "coordinator",
		Name:      "replica_refusals_total",
		Help:      "Uploads aborted because a replica could not be reached or did not reply READY",
	})

	// DeleteSkipped counts replicas that could not be told to delete
	DeleteSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zaprelay",
		Subsystem: "coordinator",
		Name:      "delete_skipped_replicas_total",
		Help:      "Replicas skipped during delete because they were unreachable",
	})

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zaprelay",
		Subsystem: "coordinator",
		Name:      "active_connections",
		Help:      "Client connections currently being served",
	})
)

func init() {
	debug.Registry().MustRegister(
		OperationsTotal,
		BytesRelayed,
		HandshakeDuration,
		ReplicaRefusals,
		DeleteSkipped,
		ActiveConnections,
	)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
