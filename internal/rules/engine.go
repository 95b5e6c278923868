package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/betracehq/betrace-processor/internal/dsl"
	"github.com/betracehq/betrace-processor/internal/observability"
	"github.com/betracehq/betrace-processor/pkg/models"
)

// RuleStatus is the per-rule outcome of evaluating one trace.
type RuleStatus string

const (
	StatusMatched    RuleStatus = "matched"
	StatusNotMatched RuleStatus = "not_matched"
	StatusErrored    RuleStatus = "errored"
	StatusAborted    RuleStatus = "aborted"
)

// RuleResult pairs a rule with its evaluation status.
type RuleResult struct {
	RuleID   string
	RuleName string
	Status   RuleStatus
	Err      error
}

// Engine evaluates the active rule set against completed traces inside the
// capability sandbox. The engine itself retains no state across traces.
type Engine struct {
	tenantID   string
	registry   *Registry
	cache      *Cache
	evaluator  *dsl.Evaluator
	audit      AuditSink
	cpuBudget  time.Duration
	memCeiling int64
}

// NewEngine wires the evaluator to its shared collaborators. The audit sink
// is passed in explicitly; workers hold the handle constructed at startup.
func NewEngine(tenantID string, registry *Registry, cache *Cache, audit AuditSink, cpuBudget time.Duration, memCeiling int64) *Engine {
	if cpuBudget <= 0 {
		cpuBudget = 50 * time.Millisecond
	}
	return &Engine{
		tenantID:   tenantID,
		registry:   registry,
		cache:      cache,
		evaluator:  dsl.NewEvaluator(),
		audit:      audit,
		cpuBudget:  cpuBudget,
		memCeiling: memCeiling,
	}
}

// EvaluateTrace runs every active rule against the trace and returns the
// violations plus per-rule statuses. Rule failures never propagate: a parse
// error marks the rule inert, a budget overrun aborts just that rule, and a
// sandbox escape is audited and blocked.
func (e *Engine) EvaluateTrace(ctx context.Context, trace *models.Trace) ([]models.ViolationRecord, []RuleResult) {
	active := e.registry.ActiveRules()
	if len(active) == 0 {
		return nil, nil
	}

	view := NewTraceView(e.tenantID, trace)
	results := make([]RuleResult, 0, len(active))
	var violations []models.ViolationRecord

	for _, rule := range active {
		// Cooperative cancellation between rules.
		if ctx.Err() != nil {
			break
		}

		res := e.evaluateRule(ctx, rule, trace, view)
		results = append(results, res.result)
		violations = append(violations, res.violations...)
		observability.RuleEvaluationTotal.WithLabelValues(string(res.result.Status)).Inc()
	}

	return violations, results
}

type ruleOutcome struct {
	result     RuleResult
	violations []models.ViolationRecord
}

func (e *Engine) evaluateRule(ctx context.Context, rule models.Rule, trace *models.Trace, view *TraceView) ruleOutcome {
	result := RuleResult{RuleID: rule.ID, RuleName: rule.Name}

	compiled, err := e.compiled(rule)
	if err != nil {
		// Parse errors mark the rule inert; evaluation proceeds for the rest.
		result.Status = StatusErrored
		result.Err = err
		return ruleOutcome{result: result}
	}

	if compiled.ForbiddenOp != "" {
		// Load-time sandbox rejection: the compiled form resolves to a
		// forbidden operation. The rule is never evaluated.
		e.audit.RecordSandboxViolation(ctx, e.tenantID, compiled.ForbiddenOp, ruleOrigin(rule.ID))
		result.Status = StatusAborted
		result.Err = fmt.Errorf("%w: %s", ErrForbiddenOperation, compiled.ForbiddenOp)
		return ruleOutcome{result: result}
	}

	if e.memCeiling > 0 && view.EstimatedBytes() > e.memCeiling {
		e.audit.RecordSandboxViolation(ctx, e.tenantID, "memory.ceiling", ruleOrigin(rule.ID))
		result.Status = StatusAborted
		result.Err = fmt.Errorf("%w: trace view of %d bytes exceeds ceiling %d", ErrBudgetExceeded, view.EstimatedBytes(), e.memCeiling)
		return ruleOutcome{result: result}
	}

	start := time.Now()
	matched, err := e.runWithBudget(ctx, compiled, view)
	observability.RuleEvaluationDuration.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrBudgetExceeded):
		e.audit.RecordSandboxViolation(ctx, e.tenantID, "cpu.budget", ruleOrigin(rule.ID))
		result.Status = StatusAborted
		result.Err = err
		return ruleOutcome{result: result}
	case err != nil:
		result.Status = StatusErrored
		result.Err = err
		return ruleOutcome{result: result}
	case !matched:
		result.Status = StatusNotMatched
		return ruleOutcome{result: result}
	}

	result.Status = StatusMatched

	sink := NewViolationSink(e.tenantID, ruleOrigin(rule.ID), e.audit)
	rec := models.ViolationRecord{
		TenantID:    e.tenantID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		TraceID:     trace.TraceID,
		Severity:    rule.Severity,
		Description: fmt.Sprintf("Rule '%s' matched trace '%s' with %d spans", rule.Name, trace.TraceID, len(trace.Spans)),
		Context:     violationContext(trace),
	}
	if err := sink.Append(ctx, rec); err != nil {
		// Tenant mismatch was audited by the sink; the record is blocked.
		result.Err = err
		return ruleOutcome{result: result}
	}
	return ruleOutcome{result: result, violations: sink.Records()}
}

// runWithBudget executes the expression under the per-rule CPU budget. The
// evaluation runs in its own goroutine; overruns abort the rule while the
// stray goroutine finishes against its private deep-copied view.
func (e *Engine) runWithBudget(ctx context.Context, compiled *CompiledExpression, view *TraceView) (bool, error) {
	type evalResult struct {
		matched bool
		err     error
	}
	done := make(chan evalResult, 1)

	go func() {
		matched, err := e.evaluator.EvaluateRule(compiled.AST, view.Spans())
		done <- evalResult{matched: matched, err: err}
	}()

	timer := time.NewTimer(e.cpuBudget)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.matched, res.err
	case <-timer.C:
		return false, ErrBudgetExceeded
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// compiled fetches the cached compiled form, falling back to an on-the-fly
// compile when the cache is unavailable.
func (e *Engine) compiled(rule models.Rule) (*CompiledExpression, error) {
	if e.cache != nil {
		return e.cache.GetOrCompile(rule)
	}
	return Compile(rule)
}

// violationContext captures a bounded summary of the matched trace. It is
// redacted before leaving the pipeline.
func violationContext(trace *models.Trace) map[string]string {
	ctx := map[string]string{
		"trace.span_count": fmt.Sprintf("%d", len(trace.Spans)),
	}
	if root := trace.Root(); root != nil {
		ctx["trace.root_operation"] = root.OperationName
		if root.ServiceName != "" {
			ctx["trace.root_service"] = root.ServiceName
		}
	}
	return ctx
}

// ruleOrigin is the class-path style origin recorded with sandbox
// violations; the audit logger parses the trailing segment back into a
// rule id.
func ruleOrigin(ruleID string) string {
	return "betrace.rules." + ruleID
}
