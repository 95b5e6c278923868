package pipeline

import (
	"context"
	"sync"
	"time"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"golang.org/x/sync/errgroup"

	"github.com/betracehq/betrace-processor/internal/assembler"
	"github.com/betracehq/betrace-processor/internal/audit"
	"github.com/betracehq/betrace-processor/internal/config"
	"github.com/betracehq/betrace-processor/internal/emitter"
	"github.com/betracehq/betrace-processor/internal/export"
	"github.com/betracehq/betrace-processor/internal/observability"
	"github.com/betracehq/betrace-processor/internal/receiver"
	"github.com/betracehq/betrace-processor/internal/rules"
	"github.com/betracehq/betrace-processor/internal/simulation"
	"github.com/betracehq/betrace-processor/pkg/models"
)

// Pipeline wires receiver -> assembler -> evaluator -> redactor -> emitter
// -> exporter. Each worker owns one in-flight trace end to end; only the
// registry, the compiled-expression cache, the signer, and the audit
// counters are shared.
type Pipeline struct {
	cfg       *config.Config
	assembler *assembler.Assembler
	engine    *rules.Engine
	emitter   *emitter.Emitter
	exporter  *export.Exporter
	auditLog  *audit.Logger

	spanCh   chan *models.Span
	traceCh  chan *models.Trace
	exportCh chan []*tracepb.ResourceSpans

	workers     *errgroup.Group
	batcherDone chan struct{}

	intakeMu     sync.RWMutex
	intakeClosed bool
}

// New assembles the pipeline. The audit handle is constructed here, once,
// and handed to the evaluator; there is no audit singleton.
func New(cfg *config.Config, registry *rules.Registry, cache *rules.Cache, em *emitter.Emitter, exporter *export.Exporter, clock simulation.Clock) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		emitter:  em,
		exporter: exporter,
		spanCh:   make(chan *models.Span, cfg.Batch.Size*4),
		traceCh:  make(chan *models.Trace, 256),
		exportCh: make(chan []*tracepb.ResourceSpans, 256),
	}

	p.auditLog = audit.NewLogger(audit.DefaultAttackThreshold, func(ev audit.Event) {
		p.enqueueExport([]*tracepb.ResourceSpans{em.Audit(ev)})
	})

	p.engine = rules.NewEngine(
		cfg.Tenant.ID,
		registry,
		cache,
		p.auditLog,
		cfg.RuleCPUBudget(),
		cfg.Rule.MemoryCeilingBytes,
	)

	p.assembler = assembler.New(
		cfg.QuietInterval(),
		cfg.MaxTraceAge(),
		cfg.Trace.MaxSpansPerTenant,
		clock,
		p.onTraceComplete,
	)

	return p
}

// Audit exposes the audit handle for collaborators constructed outside the
// pipeline (e.g. the rule API's load-time screening).
func (p *Pipeline) Audit() *audit.Logger { return p.auditLog }

// Submit implements the receiver sink. Original spans are forwarded
// unchanged on the export path; the flattened copies feed trace assembly.
// The processor is strictly additive on the main path.
func (p *Pipeline) Submit(ctx context.Context, original []*tracepb.ResourceSpans) error {
	// The read lock is held across the sends so shutdown cannot close the
	// span channel under an in-flight submit.
	p.intakeMu.RLock()
	defer p.intakeMu.RUnlock()
	if p.intakeClosed {
		return context.Canceled
	}

	p.enqueueExport(original)

	for _, span := range receiver.FlattenResourceSpans(p.cfg.Tenant.ID, original) {
		select {
		case p.spanCh <- span:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run starts the batcher, the worker pool, and the export loop, and blocks
// until ctx is cancelled and the pipeline has drained.
func (p *Pipeline) Run(ctx context.Context) error {
	p.assembler.Start()

	p.batcherDone = make(chan struct{})
	go func() {
		defer close(p.batcherDone)
		p.batchLoop()
	}()

	g := new(errgroup.Group)
	p.workers = g
	for i := 0; i < p.cfg.Pipeline.Workers; i++ {
		g.Go(func() error { return p.workerLoop() })
	}

	exportDone := make(chan struct{})
	go func() {
		defer close(exportDone)
		for batch := range p.exportCh {
			if err := p.exporter.Export(context.Background(), batch); err != nil {
				observability.LogError(context.Background(), "export", err)
			}
		}
	}()

	<-ctx.Done()
	p.shutdown()
	<-exportDone
	return nil
}

// shutdown drains in order: intake, batcher, assembler, workers, exporter.
// The exporter acknowledges drain before Run returns.
func (p *Pipeline) shutdown() {
	observability.Info(context.Background(), "pipeline draining: %d spans, %d traces in flight",
		p.assembler.PendingSpans(), p.assembler.PendingTraces())

	p.intakeMu.Lock()
	p.intakeClosed = true
	p.intakeMu.Unlock()

	close(p.spanCh) // batcher flushes the remainder and exits
	<-p.batcherDone

	p.assembler.Stop()
	p.assembler.Drain(context.Background())

	close(p.traceCh)
	p.workers.Wait()

	close(p.exportCh)

	if err := p.exporter.Close(); err != nil {
		observability.LogError(context.Background(), "exporter close", err)
	}
}

// batchLoop accumulates spans up to batch.size or batch.timeout, whichever
// comes first, then hands the batch to the assembler.
func (p *Pipeline) batchLoop() {
	batch := make([]*models.Span, 0, p.cfg.Batch.Size)
	timer := time.NewTimer(p.cfg.BatchTimeout())
	defer timer.Stop()

	flush := func() {
		for _, span := range batch {
			p.assembler.AddSpan(span)
		}
		batch = batch[:0]
	}

	for {
		select {
		case span, ok := <-p.spanCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, span)
			if len(batch) >= p.cfg.Batch.Size {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cfg.BatchTimeout())
			}
		case <-timer.C:
			flush()
			timer.Reset(p.cfg.BatchTimeout())
		}
	}
}

// workerLoop evaluates completed traces. Each worker owns its trace end to
// end; evaluation, redaction, and shaping happen without shared state.
func (p *Pipeline) workerLoop() error {
	for trace := range p.traceCh {
		p.processTrace(trace)
	}
	return nil
}

func (p *Pipeline) processTrace(trace *models.Trace) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(p.cfg.Pipeline.LatencyBudgetMs)*time.Millisecond)
	defer cancel()

	violations, results := p.engine.EvaluateTrace(ctx, trace)

	var out []*tracepb.ResourceSpans
	for _, rec := range violations {
		span, err := p.emitter.Violation(rec)
		if err != nil {
			// Redaction failure drops just this span; the counter was
			// incremented by the redactor.
			observability.Warn(ctx, "violation span dropped: %v", err)
			continue
		}
		out = append(out, span)
	}

	// Each batch of detections doubles as compliance evidence that the
	// behavioral-assurance control ran for this trace.
	if len(violations) > 0 {
		rec := models.EvidenceRecord{
			TenantID:     p.cfg.Tenant.ID,
			TraceID:      trace.TraceID,
			Framework:    "soc2",
			Control:      "CC7.1",
			EvidenceType: "behavioral_assurance",
			Outcome:      evidenceOutcome(results),
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		}
		span, err := p.emitter.Evidence(rec, nil)
		if err != nil {
			observability.Warn(ctx, "evidence span dropped: %v", err)
		} else {
			out = append(out, span)
		}
	}

	if len(out) > 0 {
		p.enqueueExport(out)
	}
}

func (p *Pipeline) onTraceComplete(ctx context.Context, trace *models.Trace, reason assembler.CompletionReason) {
	select {
	case p.traceCh <- trace:
	case <-ctx.Done():
	}
}

func (p *Pipeline) enqueueExport(batch []*tracepb.ResourceSpans) {
	select {
	case p.exportCh <- batch:
	default:
		// Export queue full: drop rather than block the hot path.
		observability.ExportBatchesDropped.Inc()
	}
}

func evidenceOutcome(results []rules.RuleResult) string {
	for _, r := range results {
		if r.Status == rules.StatusErrored || r.Status == rules.StatusAborted {
			return "failure"
		}
	}
	return "success"
}
