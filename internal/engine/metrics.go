package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	passTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaysync",
		Subsystem: "engine",
		Name:      "passes_total",
		Help:      "Sync passes by result.",
	}, []string{"result"})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relaysync",
		Subsystem: "engine",
		Name:      "pass_seconds",
		Help:      "Duration of a whole sync pass including lock wait.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	engineTracer = otel.Tracer("github.com/agentworkforce/relaysync/engine")
)

func init() {
	prometheus.MustRegister(passTotal, passDuration)
}
