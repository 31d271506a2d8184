package syncop

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relaysync",
		Subsystem: "operation",
		Name:      "run_seconds",
		Help:      "Duration of one controller run per named operation.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"operation", "result"})

	operationIterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaysync",
		Subsystem: "operation",
		Name:      "iterations_total",
		Help:      "Persisted controller iterations per named operation.",
	}, []string{"operation"})

	operationProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relaysync",
		Subsystem: "operation",
		Name:      "progress_ratio",
		Help:      "Completed over total for the session in progress.",
	}, []string{"operation"})

	syncopTracer = otel.Tracer("github.com/agentworkforce/relaysync/syncop")
)

func init() {
	prometheus.MustRegister(operationDuration, operationIterations, operationProgress)
}
