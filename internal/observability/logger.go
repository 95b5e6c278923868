package observability

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// Level gates log output. The minimum level is read from the environment
// once and can be adjusted at runtime.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var minLevel atomic.Int32

func init() {
	minLevel.Store(int32(levelFromEnv()))
}

// levelFromEnv resolves the starting level: an explicit BETRACE_LOG_LEVEL
// wins, the DEBUG / BETRACE_DEBUG shortcuts enable debug, default is info.
func levelFromEnv() Level {
	switch strings.ToLower(os.Getenv("BETRACE_LOG_LEVEL")) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	}
	if os.Getenv("DEBUG") != "" || os.Getenv("BETRACE_DEBUG") != "" {
		return LevelDebug
	}
	return LevelInfo
}

// SetLevel changes the minimum emitted level.
func SetLevel(l Level) { minLevel.Store(int32(l)) }

// Debug logs at debug level.
func Debug(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelDebug, format, args...)
}

// Info logs at info level.
func Info(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelInfo, format, args...)
}

// Warn logs at warn level.
func Warn(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelWarn, format, args...)
}

// Error logs at error level.
func Error(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelError, format, args...)
}

// LogError logs a failed operation with its error.
func LogError(ctx context.Context, operation string, err error) {
	Error(ctx, "Operation failed: %s error=%v", operation, err)
}

// logf is the single write path: level gate, trace correlation, then the
// standard logger (which supplies the timestamp).
func logf(ctx context.Context, level Level, format string, args ...interface{}) {
	if level < Level(minLevel.Load()) {
		return
	}
	log.Printf("[%s]%s %s", levelNames[level], traceRef(ctx), fmt.Sprintf(format, args...))
}

// traceRef renders a short trace-id token when the context carries an
// active span, so log lines correlate with the processor's own traces.
func traceRef(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return " [trace=" + sc.TraceID().String()[:8] + "]"
}
