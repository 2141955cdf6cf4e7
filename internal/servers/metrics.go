package servers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ofpmonitor",
		Subsystem: "status",
		Name:      "fetches_total",
		Help:      "Status queries by outcome (loaded, failed, malformed).",
	}, []string{"result"})

	metricDirectoryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ofpmonitor",
		Subsystem: "directory",
		Name:      "errors_total",
		Help:      "Master list fetches that failed and degraded to zero servers.",
	})

	metricCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ofpmonitor",
		Subsystem: "engine",
		Name:      "cycles_total",
		Help:      "Completed fetch cycles.",
	})

	metricCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ofpmonitor",
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Time from dispatching a fetch cycle to its last settled query.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	metricServers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ofpmonitor",
		Subsystem: "engine",
		Name:      "servers",
		Help:      "Servers in the live collection, by status.",
	}, []string{"status"})
)

func init() {
	// Present even before the first cycle.
	for _, s := range []Status{StatusNotYetLoaded, StatusLoaded, StatusFailed} {
		metricServers.WithLabelValues(string(s))
	}
	for _, r := range []string{"loaded", "failed", "malformed"} {
		metricFetches.WithLabelValues(r)
	}
}

func observeServers(records []Record) {
	counts := map[Status]int{}
	for _, r := range records {
		counts[r.Status]++
	}
	for _, s := range []Status{StatusNotYetLoaded, StatusLoaded, StatusFailed} {
		metricServers.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
