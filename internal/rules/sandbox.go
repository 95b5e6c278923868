package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/betracehq/betrace-processor/pkg/models"
)

// Sandbox errors. All are recovered locally: the offending rule is
// terminated, an audit span is emitted, and the trace continues.
var (
	ErrForbiddenOperation = errors.New("forbidden operation")
	ErrTenantMismatch     = errors.New("violation tenant id does not match evaluator tenant")
	ErrBudgetExceeded     = errors.New("rule execution budget exceeded")
)

// maxContextEntries bounds the context map a rule may attach to a violation.
const maxContextEntries = 32

// maxContextValueLen bounds each context value in bytes.
const maxContextValueLen = 4096

// AuditSink receives sandbox-policy violations. The pipeline constructs one
// handle at startup and passes it down to every worker; there is no global
// audit singleton.
type AuditSink interface {
	// RecordSandboxViolation logs an escape attempt. operation is the
	// forbidden action name, origin the offending rule-origin class path.
	RecordSandboxViolation(ctx context.Context, tenantID, operation, origin string)
}

// TraceView is the read-only capability handed to expressions. Every span it
// returns is a defensive deep copy; the original trace and its mutable spans
// are unreachable from rule code.
type TraceView struct {
	tenantID string
	traceID  string
	spans    []*models.Span
	bytes    int64
}

// NewTraceView deep-copies the trace into a closed, read-only view.
func NewTraceView(tenantID string, trace *models.Trace) *TraceView {
	spans := make([]*models.Span, len(trace.Spans))
	var size int64
	for i, s := range trace.Spans {
		spans[i] = s.Clone()
		size += estimateSpanBytes(s)
	}
	return &TraceView{
		tenantID: tenantID,
		traceID:  trace.TraceID,
		spans:    spans,
		bytes:    size,
	}
}

// TenantID is fixed for the lifetime of the view; expressions cannot alter it.
func (v *TraceView) TenantID() string { return v.tenantID }

// TraceID returns the id of the single trace this view is closed over.
func (v *TraceView) TraceID() string { return v.traceID }

// Spans returns the deep-copied spans of the trace.
func (v *TraceView) Spans() []*models.Span { return v.spans }

// EstimatedBytes approximates the memory the view occupies, charged against
// the rule's memory ceiling.
func (v *TraceView) EstimatedBytes() int64 { return v.bytes }

// ViolationSink is the append-only capability for reporting matches. It
// validates that every record carries the evaluator's tenant id; a mismatch
// is a sandbox violation, not a recoverable error.
type ViolationSink struct {
	tenantID string
	audit    AuditSink
	origin   string
	records  []models.ViolationRecord
}

// NewViolationSink creates a sink bound to the evaluator tenant. origin
// names the rule the sink was issued to, for audit attribution.
func NewViolationSink(tenantID, origin string, audit AuditSink) *ViolationSink {
	return &ViolationSink{tenantID: tenantID, audit: audit, origin: origin}
}

// Append validates and records a violation. Records whose tenant id differs
// from the evaluator's are rejected and audited; they are never emitted.
func (s *ViolationSink) Append(ctx context.Context, rec models.ViolationRecord) error {
	if rec.TenantID != s.tenantID {
		if s.audit != nil {
			s.audit.RecordSandboxViolation(ctx, s.tenantID, "ViolationSink.tenantOverride", s.origin)
		}
		return fmt.Errorf("%w: got %q, want %q", ErrTenantMismatch, rec.TenantID, s.tenantID)
	}
	rec.Context = boundContext(rec.Context)
	s.records = append(s.records, rec)
	return nil
}

// Records returns the appended violations.
func (s *ViolationSink) Records() []models.ViolationRecord { return s.records }

func boundContext(ctx map[string]string) map[string]string {
	if ctx == nil {
		return nil
	}
	out := make(map[string]string, len(ctx))
	n := 0
	for k, v := range ctx {
		if n >= maxContextEntries {
			break
		}
		if len(v) > maxContextValueLen {
			v = v[:maxContextValueLen]
		}
		out[k] = v
		n++
	}
	return out
}

func estimateSpanBytes(s *models.Span) int64 {
	size := int64(len(s.SpanID) + len(s.TraceID) + len(s.ParentSpanID) +
		len(s.OperationName) + len(s.ServiceName) + 64)
	for k, v := range s.Attributes {
		size += int64(len(k)) + estimateValueBytes(v)
	}
	for k, v := range s.ResourceAttributes {
		size += int64(len(k) + len(v))
	}
	return size
}

func estimateValueBytes(v any) int64 {
	switch val := v.(type) {
	case string:
		return int64(len(val))
	case []any:
		var n int64
		for _, e := range val {
			n += estimateValueBytes(e)
		}
		return n
	case map[string]any:
		var n int64
		for k, e := range val {
			n += int64(len(k)) + estimateValueBytes(e)
		}
		return n
	default:
		return 8
	}
}
