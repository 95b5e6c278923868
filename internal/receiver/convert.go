package receiver

import (
	"encoding/hex"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/betracehq/betrace-processor/internal/observability"
	"github.com/betracehq/betrace-processor/pkg/models"
)

// FlattenResourceSpans converts an OTLP batch into the processor's span
// model, attaching the deployment tenant. Spans from every resource and
// scope are flattened; malformed spans are dropped with a counter, never
// fatally.
func FlattenResourceSpans(tenantID string, batches []*tracepb.ResourceSpans) []*models.Span {
	var out []*models.Span
	for _, rs := range batches {
		resourceAttrs, serviceName := resourceAttributes(rs)
		for _, scope := range rs.GetScopeSpans() {
			for _, span := range scope.GetSpans() {
				converted := convertSpan(tenantID, serviceName, resourceAttrs, span)
				if err := converted.Validate(); err != nil {
					observability.SpansDroppedMalformed.Inc()
					continue
				}
				observability.SpansReceived.Inc()
				out = append(out, converted)
			}
		}
	}
	return out
}

func resourceAttributes(rs *tracepb.ResourceSpans) (map[string]string, string) {
	attrs := make(map[string]string)
	serviceName := ""
	if rs.GetResource() == nil {
		return attrs, serviceName
	}
	for _, kv := range rs.GetResource().GetAttributes() {
		val := anyValueString(kv.GetValue())
		attrs[kv.GetKey()] = val
		if kv.GetKey() == "service.name" {
			serviceName = val
		}
	}
	return attrs, serviceName
}

func convertSpan(tenantID, serviceName string, resourceAttrs map[string]string, span *tracepb.Span) *models.Span {
	attrs := make(map[string]any, len(span.GetAttributes()))
	for _, kv := range span.GetAttributes() {
		attrs[kv.GetKey()] = anyValue(kv.GetValue())
	}

	return &models.Span{
		SpanID:             hex.EncodeToString(span.GetSpanId()),
		TraceID:            hex.EncodeToString(span.GetTraceId()),
		ParentSpanID:       parentID(span.GetParentSpanId()),
		OperationName:      span.GetName(),
		ServiceName:        serviceName,
		StartTime:          nanosToTime(span.GetStartTimeUnixNano()),
		EndTime:            nanosToTime(span.GetEndTimeUnixNano()),
		Kind:               convertKind(span.GetKind()),
		Status:             convertStatus(span.GetStatus()),
		Attributes:         attrs,
		ResourceAttributes: resourceAttrs,
		TenantID:           tenantID,
	}
}

func parentID(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}

func nanosToTime(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}

func convertKind(kind tracepb.Span_SpanKind) models.SpanKind {
	switch kind {
	case tracepb.Span_SPAN_KIND_SERVER:
		return models.KindServer
	case tracepb.Span_SPAN_KIND_CLIENT:
		return models.KindClient
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return models.KindProducer
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return models.KindConsumer
	default:
		return models.KindInternal
	}
}

func convertStatus(status *tracepb.Status) models.SpanStatus {
	if status == nil {
		return models.StatusUnset
	}
	switch status.GetCode() {
	case tracepb.Status_STATUS_CODE_OK:
		return models.StatusOK
	case tracepb.Status_STATUS_CODE_ERROR:
		return models.StatusError
	default:
		return models.StatusUnset
	}
}

// anyValue converts an OTLP AnyValue into the model's attribute domain:
// string, float64, bool, []any, or map[string]any.
func anyValue(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return float64(val.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_ArrayValue:
		out := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, e := range val.ArrayValue.GetValues() {
			out = append(out, anyValue(e))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		out := make(map[string]any, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			out[kv.GetKey()] = anyValue(kv.GetValue())
		}
		return out
	default:
		return ""
	}
}

func anyValueString(v *commonpb.AnyValue) string {
	if s, ok := v.GetValue().(*commonpb.AnyValue_StringValue); ok {
		return s.StringValue
	}
	return v.GetStringValue()
}
