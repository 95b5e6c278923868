package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpan() *Span {
	start := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	return &Span{
		SpanID:        "00f067aa0ba902b7",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		ParentSpanID:  "",
		OperationName: "payment.charge",
		ServiceName:   "payments",
		StartTime:     start,
		EndTime:       start.Add(120 * time.Millisecond),
		Kind:          KindServer,
		Status:        StatusOK,
		Attributes: map[string]any{
			"amount":   float64(1500),
			"currency": "USD",
			"retried":  false,
		},
		TenantID: "tenant-a",
	}
}

func TestSpanJSONRoundTrip(t *testing.T) {
	original := testSpan()

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Span
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.SpanID, decoded.SpanID)
	assert.Equal(t, original.TraceID, decoded.TraceID)
	assert.Equal(t, original.OperationName, decoded.OperationName)
	assert.Equal(t, original.ServiceName, decoded.ServiceName)
	assert.True(t, original.StartTime.Equal(decoded.StartTime))
	assert.True(t, original.EndTime.Equal(decoded.EndTime))
	assert.Equal(t, original.TenantID, decoded.TenantID)
	assert.Equal(t, original.Attributes["currency"], decoded.Attributes["currency"])
	assert.Equal(t, original.Attributes["amount"], decoded.Attributes["amount"])
}

func TestSpanValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Span)
		wantErr bool
	}{
		{name: "valid span", mutate: func(s *Span) {}, wantErr: false},
		{name: "short trace id", mutate: func(s *Span) { s.TraceID = "abc" }, wantErr: true},
		{name: "non-hex trace id", mutate: func(s *Span) { s.TraceID = "zzzz2f3577b34da6a3ce929d0e0e4736" }, wantErr: true},
		{name: "all-zero trace id", mutate: func(s *Span) { s.TraceID = "00000000000000000000000000000000" }, wantErr: true},
		{name: "short span id", mutate: func(s *Span) { s.SpanID = "1234" }, wantErr: true},
		{name: "missing operation name", mutate: func(s *Span) { s.OperationName = "" }, wantErr: true},
		{name: "missing start time", mutate: func(s *Span) { s.StartTime = time.Time{} }, wantErr: true},
		{name: "end before start", mutate: func(s *Span) { s.EndTime = s.StartTime.Add(-time.Second) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span := testSpan()
			tt.mutate(span)
			err := span.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSpanDurationClamped(t *testing.T) {
	span := testSpan()
	assert.Equal(t, int64(120*time.Millisecond), span.Duration())

	span.EndTime = span.StartTime.Add(-time.Second)
	assert.Equal(t, int64(0), span.Duration())
}

func TestSpanCloneIsDeep(t *testing.T) {
	span := testSpan()
	span.Attributes["nested"] = map[string]any{"inner": []any{"a", "b"}}

	clone := span.Clone()
	clone.Attributes["currency"] = "EUR"
	clone.Attributes["nested"].(map[string]any)["inner"].([]any)[0] = "mutated"

	assert.Equal(t, "USD", span.Attributes["currency"])
	assert.Equal(t, "a", span.Attributes["nested"].(map[string]any)["inner"].([]any)[0])
}

func TestTraceDuration(t *testing.T) {
	base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	a := testSpan()
	a.StartTime = base
	a.EndTime = base.Add(100 * time.Millisecond)

	b := testSpan()
	b.SpanID = "11f067aa0ba902b7"
	b.ParentSpanID = a.SpanID
	b.StartTime = base.Add(50 * time.Millisecond)
	b.EndTime = base.Add(300 * time.Millisecond)

	trace := &Trace{TraceID: a.TraceID, Spans: []*Span{a, b}}
	assert.Equal(t, 300*time.Millisecond, trace.Duration())
}

func TestTraceRoot(t *testing.T) {
	a := testSpan()
	b := testSpan()
	b.SpanID = "11f067aa0ba902b7"
	b.ParentSpanID = a.SpanID

	trace := &Trace{TraceID: a.TraceID, Spans: []*Span{b, a}}
	require.NotNil(t, trace.Root())
	assert.Equal(t, a.SpanID, trace.Root().SpanID)

	// No parentless span: the earliest span is nominated.
	a.ParentSpanID = "ffffffffffffffff"
	b.StartTime = a.StartTime.Add(-time.Second)
	assert.Equal(t, b.SpanID, trace.Root().SpanID)
}

func TestNormalizeSeverity(t *testing.T) {
	assert.Equal(t, SeverityHigh, NormalizeSeverity("HIGH"))
	assert.Equal(t, SeverityCritical, NormalizeSeverity("critical"))
	assert.Equal(t, SeverityLow, NormalizeSeverity("Low"))
	assert.Equal(t, SeverityMedium, NormalizeSeverity(""))
	assert.Equal(t, SeverityMedium, NormalizeSeverity("bogus"))
}
