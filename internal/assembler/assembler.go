package assembler

import (
	"context"
	"sync"
	"time"

	"github.com/betracehq/betrace-processor/internal/observability"
	"github.com/betracehq/betrace-processor/internal/simulation"
	"github.com/betracehq/betrace-processor/pkg/models"
)

// CompletionReason records why a trace was released for evaluation.
type CompletionReason string

const (
	ReasonQuietInterval CompletionReason = "quiet_interval"
	ReasonMaxAge        CompletionReason = "max_age"
	ReasonEvicted       CompletionReason = "evicted"
	ReasonDrain         CompletionReason = "drain"
)

// Assembler groups incoming spans by trace id and decides when a trace is
// complete enough to evaluate. Completion fires when the root span has
// ended and the quiet interval has elapsed with no new spans, or when the
// trace reaches its max in-memory age (released as truncated). A per-tenant
// span-count cap evicts the oldest-arrived traces first.
type Assembler struct {
	mu sync.Mutex

	traces map[string]*pendingTrace

	quietInterval time.Duration
	maxAge        time.Duration
	maxSpans      int
	spanCount     int

	clock      simulation.Clock
	onComplete func(ctx context.Context, trace *models.Trace, reason CompletionReason)

	stopCh  chan struct{}
	stopped sync.Once
}

type pendingTrace struct {
	spans        []*models.Span
	firstArrival time.Time
	lastActivity time.Time
	rootEnded    bool
}

// New creates an assembler. onComplete receives each released trace; it is
// invoked outside the assembler lock.
func New(quietInterval, maxAge time.Duration, maxSpans int, clock simulation.Clock, onComplete func(ctx context.Context, trace *models.Trace, reason CompletionReason)) *Assembler {
	if clock == nil {
		clock = simulation.SystemClock{}
	}
	return &Assembler{
		traces:        make(map[string]*pendingTrace),
		quietInterval: quietInterval,
		maxAge:        maxAge,
		maxSpans:      maxSpans,
		clock:         clock,
		onComplete:    onComplete,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background completion sweep. The tick is a fraction of
// the quiet interval so completion lands close to quiet-interval + epsilon.
func (a *Assembler) Start() {
	tick := a.quietInterval / 4
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Sweep(context.Background())
			case <-a.stopCh:
				return
			}
		}
	}()
}

// AddSpan accumulates a span into its trace. Eviction under the span cap
// happens before insertion so the buffer never exceeds the cap.
func (a *Assembler) AddSpan(span *models.Span) {
	a.mu.Lock()

	var evicted []*models.Trace
	for a.maxSpans > 0 && a.spanCount >= a.maxSpans {
		t := a.evictOldestLocked()
		if t == nil {
			break
		}
		evicted = append(evicted, t)
	}

	now := a.clock.Now()
	pt, ok := a.traces[span.TraceID]
	if !ok {
		pt = &pendingTrace{firstArrival: now}
		a.traces[span.TraceID] = pt
	}
	pt.spans = append(pt.spans, span)
	pt.lastActivity = now
	if span.ParentSpanID == "" && !span.EndTime.IsZero() {
		pt.rootEnded = true
	}
	a.spanCount++
	a.mu.Unlock()

	for _, t := range evicted {
		observability.TracesDropped.Inc()
		observability.TracesCompleted.WithLabelValues(string(ReasonEvicted)).Inc()
		if a.onComplete != nil {
			a.onComplete(context.Background(), t, ReasonEvicted)
		}
	}
}

// Sweep releases every trace whose completion predicate fired. Exposed so
// tests (and drain) can drive completion deterministically.
func (a *Assembler) Sweep(ctx context.Context) {
	now := a.clock.Now()

	type released struct {
		trace  *models.Trace
		reason CompletionReason
	}
	var done []released

	a.mu.Lock()
	for traceID, pt := range a.traces {
		// When both predicates fire in one sweep the earlier one wins.
		quietAt := pt.lastActivity.Add(a.quietInterval)
		ageAt := pt.firstArrival.Add(a.maxAge)

		quietFired := pt.rootEnded && !now.Before(quietAt)
		ageFired := a.maxAge > 0 && !now.Before(ageAt)

		switch {
		case quietFired && ageFired:
			if quietAt.After(ageAt) {
				done = append(done, released{a.takeLocked(traceID, true), ReasonMaxAge})
			} else {
				done = append(done, released{a.takeLocked(traceID, false), ReasonQuietInterval})
			}
		case quietFired:
			done = append(done, released{a.takeLocked(traceID, false), ReasonQuietInterval})
		case ageFired:
			done = append(done, released{a.takeLocked(traceID, true), ReasonMaxAge})
		}
	}
	a.mu.Unlock()

	for _, r := range done {
		observability.TracesCompleted.WithLabelValues(string(r.reason)).Inc()
		if a.onComplete != nil {
			a.onComplete(ctx, r.trace, r.reason)
		}
	}
}

// Drain releases every in-flight trace for evaluation during shutdown.
// Traces whose root span has not ended, or that are still inside their
// quiet interval, are flagged truncated.
func (a *Assembler) Drain(ctx context.Context) {
	now := a.clock.Now()

	a.mu.Lock()
	var done []*models.Trace
	for traceID, pt := range a.traces {
		quietElapsed := pt.rootEnded && !now.Before(pt.lastActivity.Add(a.quietInterval))
		done = append(done, a.takeLocked(traceID, !quietElapsed))
	}
	a.mu.Unlock()

	for _, t := range done {
		observability.TracesCompleted.WithLabelValues(string(ReasonDrain)).Inc()
		if a.onComplete != nil {
			a.onComplete(ctx, t, ReasonDrain)
		}
	}
}

// Stop halts the background sweep.
func (a *Assembler) Stop() {
	a.stopped.Do(func() { close(a.stopCh) })
}

// PendingSpans returns the number of buffered spans.
func (a *Assembler) PendingSpans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spanCount
}

// PendingTraces returns the number of buffered traces.
func (a *Assembler) PendingTraces() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.traces)
}

// takeLocked removes a trace from the buffer and shapes it for evaluation.
func (a *Assembler) takeLocked(traceID string, truncated bool) *models.Trace {
	pt := a.traces[traceID]
	delete(a.traces, traceID)
	a.spanCount -= len(pt.spans)
	return &models.Trace{TraceID: traceID, Spans: pt.spans, Truncated: truncated}
}

// evictOldestLocked removes the oldest-arrived trace under span-cap
// pressure. The caller emits it (flagged truncated) rather than losing it.
func (a *Assembler) evictOldestLocked() *models.Trace {
	oldestID := ""
	var oldestAt time.Time
	for traceID, pt := range a.traces {
		if oldestID == "" || pt.firstArrival.Before(oldestAt) {
			oldestID = traceID
			oldestAt = pt.firstArrival
		}
	}
	if oldestID == "" {
		return nil
	}
	return a.takeLocked(oldestID, true)
}
