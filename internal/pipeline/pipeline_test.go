package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"

	"github.com/betracehq/betrace-processor/internal/config"
	"github.com/betracehq/betrace-processor/internal/emitter"
	"github.com/betracehq/betrace-processor/internal/export"
	"github.com/betracehq/betrace-processor/internal/redaction"
	"github.com/betracehq/betrace-processor/internal/rules"
	"github.com/betracehq/betrace-processor/internal/signer"
	"github.com/betracehq/betrace-processor/internal/simulation"
	"github.com/betracehq/betrace-processor/pkg/models"
)

const testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

type capturingClient struct {
	mu      sync.Mutex
	batches []*collectorpb.ExportTraceServiceRequest
}

func (c *capturingClient) Export(_ context.Context, req *collectorpb.ExportTraceServiceRequest, _ ...grpc.CallOption) (*collectorpb.ExportTraceServiceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, proto.Clone(req).(*collectorpb.ExportTraceServiceRequest))
	return &collectorpb.ExportTraceServiceResponse{}, nil
}

func (c *capturingClient) allSpans() []*tracepb.Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*tracepb.Span
	for _, req := range c.batches {
		for _, rs := range req.ResourceSpans {
			for _, ss := range rs.ScopeSpans {
				out = append(out, ss.Spans...)
			}
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Tenant:    config.TenantConfig{ID: "tenant-a"},
		Batch:     config.BatchConfig{Size: 10, TimeoutMs: 20},
		Trace:     config.TraceConfig{QuietIntervalMs: 50, MaxAgeSeconds: 60, MaxSpansPerTenant: 10000},
		Rule:      config.RuleConfig{CPUBudgetMs: 50, CacheSize: 100},
		Pipeline:  config.PipelineConfig{Workers: 2, LatencyBudgetMs: 500},
		Export:    config.ExportConfig{Endpoint: "unused", RetryBackoffMs: 1, RetryMax: 1},
		Redaction: config.RedactionConfig{Whitelist: []string{"trace.span_count", "trace.root_operation", "trace.root_service"}},
	}
}

func testPipeline(t *testing.T, cfg *config.Config, ruleSet ...models.Rule) (*Pipeline, *capturingClient) {
	t.Helper()

	registry := rules.NewRegistry(cfg.Tenant.ID)
	cache := rules.NewCache(cfg.Rule.CacheSize)
	registry.OnInvalidate(cache.Invalidate)
	for _, r := range ruleSet {
		_, err := registry.Put(r)
		require.NoError(t, err)
	}

	redactor := redaction.NewRedactor(cfg.Redaction.Whitelist, cfg.Redaction.StrategyOverrides)
	sig := signer.New(signer.NewStaticKeySource("master-secret"))
	em := emitter.New("betrace-processor", redactor, sig)

	client := &capturingClient{}
	exporter := export.NewWithClient(client, time.Millisecond, 1)

	return New(cfg, registry, cache, em, exporter, simulation.SystemClock{}), client
}

func otlpIngestBatch(traceID string, spans ...*tracepb.Span) []*tracepb.ResourceSpans {
	return []*tracepb.ResourceSpans{
		{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "payments"}},
			}}},
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
		},
	}
}

func ingestSpan(traceID, spanID, name string, attrs map[string]int64) *tracepb.Span {
	tid, _ := hex.DecodeString(traceID)
	sid, _ := hex.DecodeString(spanID)
	start := time.Now().Add(-time.Second)
	span := &tracepb.Span{
		TraceId:           tid,
		SpanId:            sid,
		Name:              name,
		Kind:              tracepb.Span_SPAN_KIND_SERVER,
		StartTimeUnixNano: uint64(start.UnixNano()),
		EndTimeUnixNano:   uint64(start.Add(20 * time.Millisecond).UnixNano()),
	}
	for k, v := range attrs {
		span.Attributes = append(span.Attributes, &commonpb.KeyValue{
			Key:   k,
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}},
		})
	}
	return span
}

func findSpans(spans []*tracepb.Span, name string) []*tracepb.Span {
	var out []*tracepb.Span
	for _, s := range spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func spanAttr(span *tracepb.Span, key string) string {
	for _, kv := range span.Attributes {
		if kv.Key == key {
			return kv.Value.GetStringValue()
		}
	}
	return ""
}

func TestPipelineEndToEndViolation(t *testing.T) {
	expression := `when { payment.charge.where(amount > 1000) } always { payment.fraud_check }`
	p, client := testPipeline(t, testConfig(), models.Rule{
		Name:       "Fraud Check Required",
		Expression: expression,
		Severity:   models.SeverityCritical,
		Active:     true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	original := otlpIngestBatch(testTraceID,
		ingestSpan(testTraceID, "00f067aa0ba902b7", "payment.charge", map[string]int64{"amount": 1500}))
	require.NoError(t, p.Submit(context.Background(), original))

	// Wait out the batch timeout plus the quiet interval.
	time.Sleep(400 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	spans := client.allSpans()

	// The original span was forwarded unchanged.
	originals := findSpans(spans, "payment.charge")
	require.Len(t, originals, 1)
	assert.True(t, proto.Equal(original[0].ScopeSpans[0].Spans[0], originals[0]))

	// Exactly one violation span, correlated by trace id, naming the rule.
	violations := findSpans(spans, "betrace.violation.detected")
	require.Len(t, violations, 1)
	assert.Equal(t, testTraceID, hex.EncodeToString(violations[0].TraceId))
	assert.Equal(t, rules.RuleID("tenant-a", "Fraud Check Required", expression),
		spanAttr(violations[0], "betrace.violation.rule_id"))
	assert.Equal(t, "critical", spanAttr(violations[0], "betrace.violation.severity"))

	// The evaluation also produced one signed evidence span.
	evidence := findSpans(spans, "betrace.compliance.evidence")
	require.Len(t, evidence, 1)
	assert.Equal(t, testTraceID, hex.EncodeToString(evidence[0].TraceId))
	assert.NotEqual(t, signer.SigningFailed, spanAttr(evidence[0], "betrace.compliance.signature"))
}

func TestPipelineNoViolationNoInjectedSpans(t *testing.T) {
	p, client := testPipeline(t, testConfig(), models.Rule{
		Name:       "Fraud Check Required",
		Expression: `when { payment.charge.where(amount > 1000) } always { payment.fraud_check }`,
		Active:     true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.Submit(context.Background(), otlpIngestBatch(testTraceID,
		ingestSpan(testTraceID, "00f067aa0ba902b7", "payment.charge", map[string]int64{"amount": 1500}),
		ingestSpan(testTraceID, "11f067aa0ba902b7", "payment.fraud_check", nil),
	)))

	time.Sleep(400 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	spans := client.allSpans()
	assert.Len(t, findSpans(spans, "payment.charge"), 1)
	assert.Len(t, findSpans(spans, "payment.fraud_check"), 1)
	assert.Empty(t, findSpans(spans, "betrace.violation.detected"))
}

func TestPipelineSandboxEscapeAudited(t *testing.T) {
	p, client := testPipeline(t, testConfig(), models.Rule{
		Name:       "escape",
		Expression: `when { System.exit }`,
		Active:     true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.Submit(context.Background(), otlpIngestBatch(testTraceID,
		ingestSpan(testTraceID, "00f067aa0ba902b7", "payment.charge", nil))))

	time.Sleep(400 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	spans := client.allSpans()

	// The escape attempt surfaces as an audit span, not a violation.
	audits := findSpans(spans, "sandbox.violation")
	require.Len(t, audits, 1)
	assert.Equal(t, "System.exit", spanAttr(audits[0], "violation.operation"))
	assert.NotEqual(t, "unknown", spanAttr(audits[0], "violation.ruleId"))
	assert.Empty(t, findSpans(spans, "betrace.violation.detected"))
}

func TestPipelineDrainEvaluatesInFlightTraces(t *testing.T) {
	cfg := testConfig()
	cfg.Trace.QuietIntervalMs = 60000 // never completes on its own
	p, client := testPipeline(t, cfg, models.Rule{
		Name:       "Fraud Check Required",
		Expression: `when { payment.charge.where(amount > 1000) } always { payment.fraud_check }`,
		Active:     true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.Submit(context.Background(), otlpIngestBatch(testTraceID,
		ingestSpan(testTraceID, "00f067aa0ba902b7", "payment.charge", map[string]int64{"amount": 1500}))))

	// Let the batcher flush, then shut down while the trace is still
	// inside its quiet interval: drain must evaluate it anyway.
	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	violations := findSpans(client.allSpans(), "betrace.violation.detected")
	require.Len(t, violations, 1, "drain must evaluate the in-flight trace")
}

func TestPipelineRejectsSubmitAfterShutdown(t *testing.T) {
	p, _ := testPipeline(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	require.NoError(t, <-done)

	err := p.Submit(context.Background(), otlpIngestBatch(testTraceID,
		ingestSpan(testTraceID, "00f067aa0ba902b7", "payment.charge", nil)))
	require.Error(t, err)
}

func TestEvidenceOutcome(t *testing.T) {
	assert.Equal(t, "success", evidenceOutcome([]rules.RuleResult{{Status: rules.StatusMatched}}))
	assert.Equal(t, "failure", evidenceOutcome([]rules.RuleResult{
		{Status: rules.StatusMatched},
		{Status: rules.StatusErrored, Err: fmt.Errorf("boom")},
	}))
}
