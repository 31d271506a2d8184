package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	commitResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaysync",
		Subsystem: "outbox",
		Name:      "commits_total",
		Help:      "Mutation commit attempts by result.",
	}, []string{"kind", "result"})

	pendingMutations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaysync",
		Subsystem: "outbox",
		Name:      "pending",
		Help:      "Mutations waiting for a remote commit after the last pass.",
	})
)

func init() {
	prometheus.MustRegister(commitResults, pendingMutations)
}
