package emitter

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/betracehq/betrace-processor/internal/audit"
	"github.com/betracehq/betrace-processor/internal/observability"
	"github.com/betracehq/betrace-processor/internal/redaction"
	"github.com/betracehq/betrace-processor/internal/signer"
	"github.com/betracehq/betrace-processor/pkg/models"
)

// Stable span names downstream queries depend on. These must never change.
const (
	ViolationSpanName  = "betrace.violation.detected"
	EvidenceSpanName   = "betrace.compliance.evidence"
	SandboxSpanName    = "sandbox.violation"
	instrumentationLib = "betrace-processor"
)

// Emitter shapes violation records, compliance evidence, and sandbox audit
// events into OTLP spans. Emitted spans are siblings of the originating
// trace: same trace id, fresh span id, no parent.
type Emitter struct {
	serviceName string
	redactor    *redaction.Redactor
	signer      *signer.Signer
}

// New creates an emitter for the processor's service identity.
func New(serviceName string, redactor *redaction.Redactor, sig *signer.Signer) *Emitter {
	return &Emitter{serviceName: serviceName, redactor: redactor, signer: sig}
}

// Violation shapes a violation record into an OTLP span. The captured
// context passes through PII redaction and the output whitelist first; a
// redaction failure means this span is not exported.
func (e *Emitter) Violation(rec models.ViolationRecord) (*tracepb.ResourceSpans, error) {
	ctx, err := e.redactor.RedactMap(rec.Context)
	if err != nil {
		return nil, fmt.Errorf("violation for rule %s: %w", rec.RuleID, err)
	}

	attrs := []*commonpb.KeyValue{
		strAttr("betrace.violation.rule_id", rec.RuleID),
		strAttr("betrace.violation.rule_name", rec.RuleName),
		strAttr("betrace.violation.severity", string(rec.Severity)),
		strAttr("betrace.violation.description", rec.Description),
		strAttr("betrace.tenant.id", rec.TenantID),
	}
	for k, v := range ctx {
		attrs = append(attrs, strAttr(k, v))
	}

	observability.ViolationSpansEmitted.WithLabelValues(string(rec.Severity)).Inc()
	return e.shape(ViolationSpanName, rec.TraceID, attrs), nil
}

// Evidence shapes a compliance evidence record, signs it, and enforces the
// whitelist on any extra metadata. Signing failures never block emission;
// the signature attribute carries the signing_failed marker instead.
func (e *Emitter) Evidence(rec models.EvidenceRecord, metadata map[string]string) (*tracepb.ResourceSpans, error) {
	extra, err := e.redactor.RedactMap(metadata)
	if err != nil {
		return nil, fmt.Errorf("evidence for control %s: %w", rec.Control, err)
	}

	spanID := newSpanID()
	signature := e.signer.Sign(&rec, hex.EncodeToString(spanID))

	attrs := []*commonpb.KeyValue{
		strAttr("betrace.compliance.framework", rec.Framework),
		strAttr("betrace.compliance.control", rec.Control),
		strAttr("betrace.compliance.evidenceType", rec.EvidenceType),
		strAttr("betrace.compliance.outcome", rec.Outcome),
		strAttr("betrace.compliance.timestamp", rec.Timestamp),
		strAttr("betrace.compliance.signature", signature),
		strAttr("betrace.tenant.id", rec.TenantID),
	}
	for k, v := range extra {
		attrs = append(attrs, strAttr(k, v))
	}

	observability.ComplianceSpansEmitted.WithLabelValues(rec.Framework, rec.Control, rec.Outcome).Inc()
	return e.shapeWithSpanID(EvidenceSpanName, rec.TraceID, spanID, attrs), nil
}

// Audit shapes a sandbox-violation event. Audit spans are the only output
// allowed to carry stack traces and rule-origin class names; they bypass
// the whitelist and start their own trace.
func (e *Emitter) Audit(ev audit.Event) *tracepb.ResourceSpans {
	attrs := []*commonpb.KeyValue{
		strAttr("event.type", "security.sandbox.violation"),
		strAttr("tenant.id", ev.TenantID),
		strAttr("violation.operation", ev.Operation),
		strAttr("violation.className", ev.ClassName),
		strAttr("violation.ruleId", ev.RuleID),
		strAttr("violation.stackTrace", ev.StackTrace),
		intAttr("violation.timestamp", ev.TimestampMs),
		strAttr("compliance.framework", "soc2"),
		strAttr("compliance.control", "CC7.2"),
		strAttr("compliance.evidenceType", "audit_trail"),
	}
	if ev.PossibleAttack {
		attrs = append(attrs,
			boolAttr("violation.possibleAttack", true),
			intAttr("violation.count", ev.Count),
		)
	}

	return e.shape(SandboxSpanName, newTraceIDHex(), attrs)
}

func (e *Emitter) shape(name, traceID string, attrs []*commonpb.KeyValue) *tracepb.ResourceSpans {
	return e.shapeWithSpanID(name, traceID, newSpanID(), attrs)
}

func (e *Emitter) shapeWithSpanID(name, traceID string, spanID []byte, attrs []*commonpb.KeyValue) *tracepb.ResourceSpans {
	now := uint64(time.Now().UnixNano())
	traceIDBytes, _ := hex.DecodeString(traceID)

	span := &tracepb.Span{
		TraceId:           traceIDBytes,
		SpanId:            spanID,
		Name:              name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: now,
		EndTimeUnixNano:   now,
		Attributes:        attrs,
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
	}

	return &tracepb.ResourceSpans{
		Resource: &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{
				strAttr("service.name", e.serviceName),
			},
		},
		ScopeSpans: []*tracepb.ScopeSpans{
			{
				Scope: &commonpb.InstrumentationScope{Name: instrumentationLib},
				Spans: []*tracepb.Span{span},
			},
		},
	}
}

func newSpanID() []byte {
	id := uuid.New()
	return id[:8]
}

func newTraceIDHex() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func boolAttr(key string, value bool) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: value}},
	}
}
