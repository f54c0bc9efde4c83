package executor

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warptools/sciflo/sfapi"
)

var (
	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sciflo",
		Name:      "units_total",
		Help:      "Work unit attempts that reached a terminal status.",
	}, []string{"status"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sciflo",
		Name:      "cache_lookups_total",
		Help:      "Result cache lookups made before dispatching a unit.",
	}, []string{"result"})

	unitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sciflo",
		Name:      "unit_duration_seconds",
		Help:      "Wall time of work unit children that completed.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	workflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sciflo",
		Name:      "workflows_total",
		Help:      "Workflow runs by final status.",
	}, []string{"status"})

	workflowsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sciflo",
		Name:      "workflows_running",
		Help:      "Workflow runs that have not settled yet.",
	})
)

// statusLabel folds every retry(n) into one label value.
func statusLabel(s sfapi.Status) string {
	if s.IsRetry() {
		return "retry"
	}
	return strings.ReplaceAll(string(s), "-", "_")
}
