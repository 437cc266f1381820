// Package metrics is the proxy-wide instrumentation, dual-exported to
// expvar (cheap, no-dependency introspection during development) and
// Prometheus (scraped in production), following the same paired-counter
// shape the scheduler's own instrumentation used, generalized across FAM,
// BM, and IC events instead of just job placement.
package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eAgentsRegistered  = expvar.NewInt("agents_registered")
	eAgentsEvicted     = expvar.NewInt("agents_evicted")
	eInstancesDeployed = expvar.NewInt("instances_deployed")
	eInstancesKilled   = expvar.NewInt("instances_killed")
	eInstancesLost     = expvar.NewInt("instances_lost")
	eBundlesReserved   = expvar.NewInt("bundles_reserved")
	eBundlesBound      = expvar.NewInt("bundles_bound")
	eScheduleReqs      = expvar.NewInt("schedule_requests")
	eScheduleFailures  = expvar.NewInt("schedule_failures")
	eMetastoreRetries  = expvar.NewInt("metastore_retries")
)

var (
	pAgentsRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "fam", Name: "agents_registered_total",
		Help: "Number of successful agent registrations.",
	})
	pAgentsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "fam", Name: "agents_evicted_total",
		Help: "Number of agents that completed the evict-agent protocol.",
	})
	pInstancesDeployed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "ic", Name: "instances_deployed_total",
		Help: "Number of deploy_instance RPCs that reached the agent.",
	})
	pInstancesKilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "ic", Name: "instances_killed_total",
		Help: "Number of kill_instance RPCs that reached the agent.",
	})
	pInstancesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "ic", Name: "instances_lost_total",
		Help: "Number of agents disabled (heartbeat loss, teardown or failed recovery) whose instances were failed out.",
	})
	pBundlesReserved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "bm", Name: "bundles_reserved_total",
		Help: "Number of successful bundle reservations.",
	})
	pBundlesBound = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "bm", Name: "bundles_bound_total",
		Help: "Number of reservations that completed bind before expiry.",
	})
	pScheduleReqs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "lss", Name: "schedule_requests_total",
		Help: "Number of Schedule requests received, from any source.",
	})
	pScheduleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "lss", Name: "schedule_failures_total",
		Help: "Number of Schedule requests that failed (any reason).",
	})
	pMetastoreRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fnproxy", Subsystem: "metastore", Name: "retries_total",
		Help: "Number of metastore operations that were retried after a transient error.",
	})
)

func init() {
	prometheus.MustRegister(
		pAgentsRegistered, pAgentsEvicted,
		pInstancesDeployed, pInstancesKilled, pInstancesLost,
		pBundlesReserved, pBundlesBound,
		pScheduleReqs, pScheduleFailures,
		pMetastoreRetries,
	)
}

func IncAgentsRegistered(n int)  { eAgentsRegistered.Add(int64(n)); pAgentsRegistered.Add(float64(n)) }
func IncAgentsEvicted(n int)     { eAgentsEvicted.Add(int64(n)); pAgentsEvicted.Add(float64(n)) }
func IncInstancesDeployed(n int) { eInstancesDeployed.Add(int64(n)); pInstancesDeployed.Add(float64(n)) }
func IncInstancesKilled(n int)   { eInstancesKilled.Add(int64(n)); pInstancesKilled.Add(float64(n)) }
func IncInstancesLost(n int)     { eInstancesLost.Add(int64(n)); pInstancesLost.Add(float64(n)) }
func IncBundlesReserved(n int)   { eBundlesReserved.Add(int64(n)); pBundlesReserved.Add(float64(n)) }
func IncBundlesBound(n int)      { eBundlesBound.Add(int64(n)); pBundlesBound.Add(float64(n)) }
func IncScheduleReqs(n int)      { eScheduleReqs.Add(int64(n)); pScheduleReqs.Add(float64(n)) }
func IncScheduleFailures(n int)  { eScheduleFailures.Add(int64(n)); pScheduleFailures.Add(float64(n)) }
func IncMetastoreRetries(n int)  { eMetastoreRetries.Add(int64(n)); pMetastoreRetries.Add(float64(n)) }
