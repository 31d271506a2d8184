package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	flushRequests = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relaysync",
		Subsystem: "batch",
		Name:      "flush_requests",
		Help:      "Number of operations multiplexed into one flush.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})

	flushLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relaysync",
		Subsystem: "batch",
		Name:      "flush_seconds",
		Help:      "Latency of a flush, from send to demultiplexed replies.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"result"})

	batchTracer = otel.Tracer("github.com/agentworkforce/relaysync/batch")
)

func init() {
	prometheus.MustRegister(flushRequests, flushLatency)
}
