// Package telemetry exposes prometheus collectors for the fix cycle.
// Every method is safe to call on a nil *Recorder, which records nothing.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/mend/internal/types"
)

const namespace = "mend"

// Recorder owns a dedicated registry so tests and multiple engines in one
// process never collide on the global default registry.
type Recorder struct {
	registry *prometheus.Registry

	cyclesTotal     *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	guardViolations *prometheus.CounterVec
	restoreFailures prometheus.Counter
	recipeTrust     *prometheus.GaugeVec
	watchTriggers   *prometheus.CounterVec
}

// New creates a recorder with its own registry
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,

		// Labels: outcome (applied-and-verified, no-op, reverted, fatal)
		cyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed fix cycles by outcome",
		}, []string{"outcome"}),

		// Labels: phase (observe, decide, guard, act, verify, attest, learn)
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each cycle phase in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"phase"}),

		// Labels: rule (max_files, max_loc_per_file, protected_path, outside_workspace)
		guardViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "violations_total",
			Help:      "Risk budget violations by rule",
		}, []string{"rule"}),

		restoreFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_failures_total",
			Help:      "Undo restores that failed and halted the engine",
		}),

		// Labels: recipe
		recipeTrust: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recipe_trust",
			Help:      "Current trust score per recipe",
		}, []string{"recipe"}),

		// Labels: result (started, throttled)
		watchTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "triggers_total",
			Help:      "File-change triggers seen by the watch loop",
		}, []string{"result"}),
	}
}

// Registry returns the recorder's registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordCycle counts a finished cycle
func (r *Recorder) RecordCycle(outcome types.Outcome) {
	if r == nil {
		return
	}
	r.cyclesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordPhase observes how long a phase took
func (r *Recorder) RecordPhase(phase types.Phase, d time.Duration) {
	if r == nil {
		return
	}
	r.phaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}

// RecordGuardViolations counts every violated rule
func (r *Recorder) RecordGuardViolations(violations []types.Violation) {
	if r == nil {
		return
	}
	for _, v := range violations {
		r.guardViolations.WithLabelValues(v.Rule).Inc()
	}
}

// RecordRestoreFailure counts a fatal restore failure
func (r *Recorder) RecordRestoreFailure() {
	if r == nil {
		return
	}
	r.restoreFailures.Inc()
}

// RecordTrust publishes a recipe's current trust
func (r *Recorder) RecordTrust(recipeID string, trust float64) {
	if r == nil {
		return
	}
	r.recipeTrust.WithLabelValues(recipeID).Set(trust)
}

// ForgetTrust drops the gauge of a reset recipe
func (r *Recorder) ForgetTrust(recipeID string) {
	if r == nil {
		return
	}
	r.recipeTrust.DeleteLabelValues(recipeID)
}

// RecordWatchTrigger counts a watch trigger as started or throttled
func (r *Recorder) RecordWatchTrigger(started bool) {
	if r == nil {
		return
	}
	result := "throttled"
	if started {
		result = "started"
	}
	r.watchTriggers.WithLabelValues(result).Inc()
}
