package export

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	"github.com/betracehq/betrace-processor/internal/config"
	"github.com/betracehq/betrace-processor/internal/observability"
)

// maxRetryInterval caps the exponential backoff between export attempts.
const maxRetryInterval = 5 * time.Second

// Exporter ships span batches to the downstream trace store over OTLP/gRPC.
// Transient failures are retried with exponential backoff; a batch that
// exhausts the retry budget is dropped with a dropped-bytes counter.
type Exporter struct {
	client   collectorpb.TraceServiceClient
	conn     *grpc.ClientConn
	initial  time.Duration
	maxTries uint
}

// New dials the export endpoint. The connection is non-blocking; transport
// failures surface per batch and go through the retry policy.
func New(cfg config.ExportConfig) (*Exporter, error) {
	opts := []grpc.DialOption{}
	if cfg.TLSInsecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial export endpoint %s: %w", cfg.Endpoint, err)
	}

	initial := time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	maxTries := uint(cfg.RetryMax)
	if maxTries == 0 {
		maxTries = 3
	}

	return &Exporter{
		client:   collectorpb.NewTraceServiceClient(conn),
		conn:     conn,
		initial:  initial,
		maxTries: maxTries,
	}, nil
}

// NewWithClient builds an exporter over an existing client (tests).
func NewWithClient(client collectorpb.TraceServiceClient, initial time.Duration, maxTries uint) *Exporter {
	return &Exporter{client: client, initial: initial, maxTries: maxTries}
}

// Export sends one batch, retrying transient failures. On final failure the
// batch is dropped and accounted; the error is returned for logging only.
func (e *Exporter) Export(ctx context.Context, batch []*tracepb.ResourceSpans) error {
	if len(batch) == 0 {
		return nil
	}

	req := &collectorpb.ExportTraceServiceRequest{ResourceSpans: batch}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initial
	b.MaxInterval = maxRetryInterval

	attempt := 0
	operation := func() (struct{}, error) {
		if attempt > 0 {
			observability.ExportRetries.Inc()
		}
		attempt++
		_, err := e.client.Export(ctx, req)
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.maxTries),
	)
	if err != nil {
		observability.ExportBatchesDropped.Inc()
		observability.ExportBytesDropped.Add(float64(proto.Size(req)))
		return fmt.Errorf("export dropped batch of %d resource spans: %w", len(batch), err)
	}
	return nil
}

// Close tears down the client connection after the final flush.
func (e *Exporter) Close() error {
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}
