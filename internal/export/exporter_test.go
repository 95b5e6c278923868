package export

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

// fakeTraceClient fails a configured number of attempts before succeeding.
type fakeTraceClient struct {
	mu       sync.Mutex
	failures int
	calls    int
	batches  []*collectorpb.ExportTraceServiceRequest
}

func (f *fakeTraceClient) Export(_ context.Context, req *collectorpb.ExportTraceServiceRequest, _ ...grpc.CallOption) (*collectorpb.ExportTraceServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("transient export failure %d", f.calls)
	}
	f.batches = append(f.batches, req)
	return &collectorpb.ExportTraceServiceResponse{}, nil
}

func testBatch() []*tracepb.ResourceSpans {
	return []*tracepb.ResourceSpans{
		{ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{Name: "payment.charge"}}}}},
	}
}

func TestExportSucceeds(t *testing.T) {
	client := &fakeTraceClient{}
	e := NewWithClient(client, time.Millisecond, 3)

	require.NoError(t, e.Export(context.Background(), testBatch()))
	assert.Equal(t, 1, client.calls)
	require.Len(t, client.batches, 1)
	assert.Equal(t, "payment.charge", client.batches[0].ResourceSpans[0].ScopeSpans[0].Spans[0].Name)
}

func TestExportRetriesTransientFailures(t *testing.T) {
	client := &fakeTraceClient{failures: 2}
	e := NewWithClient(client, time.Millisecond, 3)

	require.NoError(t, e.Export(context.Background(), testBatch()))
	assert.Equal(t, 3, client.calls)
	assert.Len(t, client.batches, 1)
}

func TestExportDropsBatchAfterRetryBudget(t *testing.T) {
	client := &fakeTraceClient{failures: 10}
	e := NewWithClient(client, time.Millisecond, 3)

	err := e.Export(context.Background(), testBatch())
	require.Error(t, err)
	assert.Equal(t, 3, client.calls)
	assert.Empty(t, client.batches)
}

func TestExportEmptyBatchIsNoop(t *testing.T) {
	client := &fakeTraceClient{}
	e := NewWithClient(client, time.Millisecond, 3)

	require.NoError(t, e.Export(context.Background(), nil))
	assert.Equal(t, 0, client.calls)
}
