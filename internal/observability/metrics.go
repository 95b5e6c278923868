package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the BeTrace trace processor

var (
	// Receiver metrics
	SpansReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betrace_spans_received_total",
			Help: "Total number of spans accepted at the receiver boundary",
		},
	)

	SpansDroppedMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betrace_spans_dropped_malformed_total",
			Help: "Spans dropped at the receiver for malformed ids or missing timestamps",
		},
	)

	// Assembler metrics
	TracesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "betrace_traces_completed_total",
			Help: "Traces released for evaluation, by completion reason",
		},
		[]string{"reason"}, // reason: quiet_interval|max_age|evicted|drain
	)

	TracesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betrace_traces_dropped_total",
			Help: "Traces evicted early under span-count pressure (evaluated as truncated)",
		},
	)

	// Rule engine metrics
	RuleCompileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "betrace_rule_compile_total",
			Help: "Total number of rule compile attempts",
		},
		[]string{"status"}, // status: success|error
	)

	RuleEvaluationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "betrace_rule_evaluation_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"result"}, // result: matched|not_matched|errored|aborted
	)

	RuleEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "betrace_rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate a single rule against a trace",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1μs to 1s
		},
	)

	RulesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "betrace_rules_active",
			Help: "Number of currently active rules",
		},
	)

	CompiledCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "betrace_compiled_cache_total",
			Help: "Compiled-expression cache lookups",
		},
		[]string{"outcome"}, // outcome: hit|miss|recompile
	)

	// Redaction metrics
	UnsafeAttributes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betrace_redaction_unsafe_attribute_total",
			Help: "Spans rejected for carrying a non-whitelisted attribute key",
		},
	)

	PIILeakages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betrace_redaction_pii_leakage_total",
			Help: "Spans rejected because a value still matched a PII pattern after redaction",
		},
	)

	// Sandbox / audit metrics
	SandboxViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "betrace_sandbox_violations_total",
			Help: "Sandbox escape attempts detected during rule execution",
		},
		[]string{"tenant_id", "operation"},
	)

	// Emitter metrics
	ViolationSpansEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "betrace_violation_spans_emitted_total",
			Help: "Violation spans emitted into the trace stream",
		},
		[]string{"severity"},
	)

	ComplianceSpansEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "betrace_compliance_spans_emitted_total",
			Help: "Compliance evidence spans emitted into the trace stream",
		},
		[]string{"framework", "control", "outcome"},
	)

	SigningFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betrace_signing_failures_total",
			Help: "Evidence spans exported with the signing_failed marker",
		},
	)

	// Export metrics
	ExportRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betrace_export_retries_total",
			Help: "Export attempts retried after a transient failure",
		},
	)

	ExportBatchesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betrace_export_batches_dropped_total",
			Help: "Batches dropped after the retry budget was exhausted",
		},
	)

	ExportBytesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betrace_export_bytes_dropped_total",
			Help: "Estimated payload bytes dropped with failed batches",
		},
	)
)
