package audit

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/betracehq/betrace-processor/internal/observability"
)

// DefaultAttackThreshold is the per-tenant violation count above which
// emitted audit spans carry the possible-attack attributes.
const DefaultAttackThreshold = 10

// stackFrames caps the frames recorded with a violation.
const stackFrames = 10

// Event is one sandbox-policy violation, ready to be shaped into a
// `sandbox.violation` span.
type Event struct {
	TenantID       string
	Operation      string
	ClassName      string
	RuleID         string
	StackTrace     string
	TimestampMs    int64
	PossibleAttack bool
	Count          int64
}

// Logger records sandbox-policy violations as audit spans with forensic
// metadata and tracks per-tenant violation counts. Counters are in-memory
// only and reset on process restart.
type Logger struct {
	threshold int64
	emit      func(Event)

	mu       sync.Mutex
	counters map[string]*int64
}

// NewLogger creates an audit logger. emit receives each event for shaping
// and export; the handle is constructed once at startup and passed through
// the orchestrator to the evaluator.
func NewLogger(threshold int64, emit func(Event)) *Logger {
	if threshold <= 0 {
		threshold = DefaultAttackThreshold
	}
	return &Logger{
		threshold: threshold,
		emit:      emit,
		counters:  make(map[string]*int64),
	}
}

// RecordSandboxViolation logs an escape attempt. Null operation or class
// names never crash the logger; they are replaced with "unknown" and a span
// is still emitted.
func (l *Logger) RecordSandboxViolation(ctx context.Context, tenantID, operation, origin string) {
	if operation == "" {
		operation = "unknown"
	}
	if origin == "" {
		origin = "unknown"
	}

	count := l.increment(tenantID)
	observability.SandboxViolations.WithLabelValues(tenantID, operation).Inc()

	ev := Event{
		TenantID:    tenantID,
		Operation:   operation,
		ClassName:   origin,
		RuleID:      ParseRuleID(origin),
		StackTrace:  captureStack(),
		TimestampMs: time.Now().UnixMilli(),
	}
	if count > l.threshold {
		ev.PossibleAttack = true
		ev.Count = count
	}

	if l.emit != nil {
		l.emit(ev)
	}
}

// Count returns the tenant's violation count this process lifetime.
func (l *Logger) Count(tenantID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[tenantID]; ok {
		return *c
	}
	return 0
}

func (l *Logger) increment(tenantID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[tenantID]
	if !ok {
		c = new(int64)
		l.counters[tenantID] = c
	}
	*c++
	return *c
}

// ParseRuleID extracts the rule id from a class-path style origin: the
// trailing segment when it begins with "rule", else "unknown".
func ParseRuleID(origin string) string {
	if origin == "" {
		return "unknown"
	}
	segments := strings.Split(origin, ".")
	last := segments[len(segments)-1]
	if strings.HasPrefix(last, "rule") {
		return last
	}
	return "unknown"
}

// captureStack renders the first frames of the caller's stack,
// newline-joined, for the violation.stackTrace attribute.
func captureStack() string {
	pcs := make([]uintptr, stackFrames)
	n := runtime.Callers(3, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s (%s:%d)", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
