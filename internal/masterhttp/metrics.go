package masterhttp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the domain gauges/counters this package exposes at
// /metrics, beyond the Go runtime collectors promhttp registers by
// default — the teacher's dashboard has no equivalent endpoint at all,
// so these are grounded on the spec's own viewer-visible state rather
// than a teacher file.
var (
	executionsDispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgefleet_executions_dispatched_total",
		Help: "Total number of commands dispatched to agents.",
	})

	globalSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgefleet_fanout_global_subscribers",
		Help: "Current number of viewers subscribed to fleet-wide status events.",
	})

	logSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgefleet_fanout_log_subscribers",
		Help: "Current number of viewers subscribed to a node's log stream.",
	})
)

func init() {
	prometheus.MustRegister(executionsDispatchedTotal, globalSubscribers, logSubscribers)
}

// refreshFanoutGauges samples the fan-out plane's subscriber counts.
// Called on every /metrics scrape so the gauges never go stale between
// attach/detach events.
func (s *Server) refreshFanoutGauges() {
	global, logs := s.plane.Stats()
	globalSubscribers.Set(float64(global))
	logSubscribers.Set(float64(logs))
}
