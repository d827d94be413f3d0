// Package metrics provides Prometheus metrics for the klyro storage layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all klyro metrics.
var Registry = prometheus.NewRegistry()

var (
	// ProbeAttempts counts cloud storage capability checks.
	ProbeAttempts = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "klyro_probe_attempts_total",
		Help: "Cloud storage capability checks performed by the readiness probe",
	})

	// ProbeState is the probe state: 0 initializing, 1 ready, 2 unavailable.
	ProbeState = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "klyro_probe_state",
		Help: "Cloud readiness state (0=initializing, 1=ready, 2=unavailable)",
	})

	// RemoteDegradations counts swallowed remote tier failures by operation.
	RemoteDegradations = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "klyro_remote_degradations_total",
		Help: "Remote storage failures absorbed by falling back to the local tier",
	}, []string{"op"})

	// RemoteReads counts remote reads by outcome: hit, miss, fallback.
	RemoteReads = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "klyro_remote_reads_total",
		Help: "Remote storage reads by outcome",
	}, []string{"outcome"})

	// LocalWriteFailures counts local tier writes that failed.
	LocalWriteFailures = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "klyro_local_write_failures_total",
		Help: "Local storage writes that failed",
	})

	// RemoteQueueDepth is the number of pending remote writes and deletes.
	RemoteQueueDepth = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "klyro_remote_queue_depth",
		Help: "Remote writes and deletes waiting for the background worker",
	})

	// ProfileRequests counts profile API calls by operation and result.
	ProfileRequests = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "klyro_profile_requests_total",
		Help: "Profile API requests by operation and result",
	}, []string{"op", "result"})

	// BackupImports counts snapshot files picked up from the import inbox.
	BackupImports = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "klyro_backup_imports_total",
		Help: "Backup files imported from the inbox by result",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// CounterValue returns the current value of the counter in family name
// whose labels include every pair in labels. It returns 0 when no such
// series exists.
func CounterValue(name string, labels map[string]string) float64 {
	families, err := Registry.Gather()
	if err != nil {
		return 0
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}

		for _, m := range mf.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				if c := m.GetCounter(); c != nil {
					return c.GetValue()
				}

				return m.GetGauge().GetValue()
			}
		}
	}

	return 0
}

type labelPair interface {
	GetName() string
	GetValue() string
}

func matchLabels[L labelPair](have []L, want map[string]string) bool {
	matched := 0

	for _, lp := range have {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}

	return matched == len(want)
}
