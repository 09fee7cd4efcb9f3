package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueueClaimOutcome captures the result of a worker's attempt to claim a lease.
type QueueClaimOutcome string

const (
	// QueueClaimSucceeded indicates the worker obtained a lease on the notification.
	QueueClaimSucceeded QueueClaimOutcome = "succeeded"
	// QueueClaimContended indicates another worker already held the lease.
	QueueClaimContended QueueClaimOutcome = "contended"
	// QueueClaimEmpty indicates no eligible notifications were available.
	QueueClaimEmpty QueueClaimOutcome = "empty"
)

// OutputPluginOutcome captures the result of running a hunt output plugin batch.
type OutputPluginOutcome string

const (
	// OutputPluginSucceeded indicates the plugin processed its batch without error.
	OutputPluginSucceeded OutputPluginOutcome = "succeeded"
	// OutputPluginFailed indicates the plugin batch raised an error and was isolated.
	OutputPluginFailed OutputPluginOutcome = "failed"
)

// ApprovalCacheOperation identifies the approval cache method being instrumented.
type ApprovalCacheOperation string

const (
	// ApprovalCacheLookup records approval cache lookup calls.
	ApprovalCacheLookup ApprovalCacheOperation = "lookup"
	// ApprovalCacheStore records approval cache store attempts.
	ApprovalCacheStore ApprovalCacheOperation = "store"
)

// ApprovalCacheResult captures the outcome of an approval cache operation.
type ApprovalCacheResult string

const (
	// ApprovalCacheHit indicates the lookup reused a cached approval decision.
	ApprovalCacheHit ApprovalCacheResult = "hit"
	// ApprovalCacheMiss indicates no cached approval decision was present.
	ApprovalCacheMiss ApprovalCacheResult = "miss"
	// ApprovalCacheError indicates the cache operation failed.
	ApprovalCacheError ApprovalCacheResult = "error"
)

// Recorder publishes Prometheus metrics for flow, queue, foreman, hunt,
// access-control, and frontend activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	flowsStarted  *prometheus.CounterVec
	flowsTerminal *prometheus.CounterVec

	queueClaims       *prometheus.CounterVec
	queueLeaseExpired *prometheus.CounterVec
	huntClientsSched  *prometheus.CounterVec
	huntPluginRuns    *prometheus.CounterVec
	approvalCacheOps  *prometheus.CounterVec
	frontendBundles   *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	flowsStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelfleet",
		Subsystem: "flows",
		Name:      "started_total",
		Help:      "Total flows started by flow class.",
	}, []string{"flow_class"})

	flowsTerminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelfleet",
		Subsystem: "flows",
		Name:      "terminal_total",
		Help:      "Total flows that reached a terminal state, by flow class and state.",
	}, []string{"flow_class", "state"})

	queueClaims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelfleet",
		Subsystem: "queue",
		Name:      "claims_total",
		Help:      "Total notification claim attempts by queue and outcome.",
	}, []string{"queue", "outcome"})

	queueLeaseExpired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelfleet",
		Subsystem: "queue",
		Name:      "lease_expired_total",
		Help:      "Total leases that expired before the holder extended or released them.",
	}, []string{"queue"})

	huntClientsSched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelfleet",
		Subsystem: "hunt",
		Name:      "clients_scheduled_total",
		Help:      "Total clients scheduled into a hunt.",
	}, []string{"hunt"})

	huntPluginRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelfleet",
		Subsystem: "hunt",
		Name:      "output_plugin_runs_total",
		Help:      "Total hunt output plugin batch runs by plugin and outcome.",
	}, []string{"hunt", "plugin", "outcome"})

	approvalCacheOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelfleet",
		Subsystem: "access",
		Name:      "approval_cache_operations_total",
		Help:      "Approval cache operations executed during access checks.",
	}, []string{"operation", "result"})

	frontendBundles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelfleet",
		Subsystem: "frontend",
		Name:      "bundles_total",
		Help:      "Total client message bundles handled by auth state.",
	}, []string{"auth_state"})

	reg.MustRegister(
		flowsStarted,
		flowsTerminal,
		queueClaims,
		queueLeaseExpired,
		huntClientsSched,
		huntPluginRuns,
		approvalCacheOps,
		frontendBundles,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		flowsStarted:      flowsStarted,
		flowsTerminal:     flowsTerminal,
		queueClaims:       queueClaims,
		queueLeaseExpired: queueLeaseExpired,
		huntClientsSched:  huntClientsSched,
		huntPluginRuns:    huntPluginRuns,
		approvalCacheOps:  approvalCacheOps,
		frontendBundles:   frontendBundles,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFlowStarted records that a flow of the given class began running.
func (r *Recorder) ObserveFlowStarted(flowClass string) {
	if r == nil {
		return
	}
	r.flowsStarted.WithLabelValues(normalizeLabel(flowClass)).Inc()
}

// ObserveFlowTerminal records that a flow reached a terminal state (Terminated or Error).
func (r *Recorder) ObserveFlowTerminal(flowClass, state string) {
	if r == nil {
		return
	}
	r.flowsTerminal.WithLabelValues(normalizeLabel(flowClass), normalizeLabel(state)).Inc()
}

// ObserveQueueClaim records the outcome of a worker's notification claim attempt.
func (r *Recorder) ObserveQueueClaim(queue string, outcome QueueClaimOutcome) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(QueueClaimEmpty)
	}
	r.queueClaims.WithLabelValues(normalizeLabel(queue), outcomeLabel).Inc()
}

// ObserveQueueLeaseExpired records a lease that expired without being extended or released.
func (r *Recorder) ObserveQueueLeaseExpired(queue string) {
	if r == nil {
		return
	}
	r.queueLeaseExpired.WithLabelValues(normalizeLabel(queue)).Inc()
}

// ObserveHuntClientScheduled records a client being scheduled into a hunt.
func (r *Recorder) ObserveHuntClientScheduled(hunt string) {
	if r == nil {
		return
	}
	r.huntClientsSched.WithLabelValues(normalizeLabel(hunt)).Inc()
}

// ObserveHuntOutputPluginRun records an output plugin batch run and its outcome.
func (r *Recorder) ObserveHuntOutputPluginRun(hunt, plugin string, outcome OutputPluginOutcome) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(OutputPluginFailed)
	}
	r.huntPluginRuns.WithLabelValues(normalizeLabel(hunt), normalizeLabel(plugin), outcomeLabel).Inc()
}

// ObserveApprovalCacheLookup records the result of an approval cache lookup.
func (r *Recorder) ObserveApprovalCacheLookup(result ApprovalCacheResult) {
	if r == nil {
		return
	}
	r.observeApprovalCache(ApprovalCacheLookup, result)
}

// ObserveApprovalCacheStore records the result of an approval cache store attempt.
func (r *Recorder) ObserveApprovalCacheStore(result ApprovalCacheResult) {
	if r == nil {
		return
	}
	r.observeApprovalCache(ApprovalCacheStore, result)
}

func (r *Recorder) observeApprovalCache(operation ApprovalCacheOperation, result ApprovalCacheResult) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(ApprovalCacheLookup)
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(ApprovalCacheMiss)
	}
	r.approvalCacheOps.WithLabelValues(opLabel, normalizeLabel(resultLabel)).Inc()
}

// ObserveFrontendBundle records one client message bundle handled by the
// frontend endpoint, labeled by its resolved auth state.
func (r *Recorder) ObserveFrontendBundle(authState string) {
	if r == nil {
		return
	}
	r.frontendBundles.WithLabelValues(normalizeLabel(authState)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
