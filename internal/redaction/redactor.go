package redaction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/betracehq/betrace-processor/internal/observability"
)

// Sentinel errors. Both are fatal for the span being redacted: the span is
// not exported and the matching counter is incremented. The batch proceeds.
var (
	// ErrUnsafeAttribute marks an attribute key outside the whitelist.
	ErrUnsafeAttribute = errors.New("attribute key not in whitelist")
	// ErrPIILeakage marks a value that still matches a PII pattern after
	// redaction.
	ErrPIILeakage = errors.New("value matches PII pattern after redaction")
)

// safePrefixes are processor-originated and standard OTel semantic
// convention namespaces, always allowed through the whitelist.
var safePrefixes = []string{"betrace.", "service.", "otel.", "telemetry."}

// Annotation marks a field's sensitivity, attached in the DSL or via source
// annotation.
type Annotation struct {
	// Sensitive fields are never emitted, whatever the strategy says.
	Sensitive bool
	// Strategy applies when the field is emitted. Zero value means
	// "detect and use the type's default".
	Strategy Strategy
}

// Redactor scans attribute values for PII and enforces the output
// whitelist. Construction is cheap; one redactor is shared by all workers
// (detection state is immutable after construction).
type Redactor struct {
	patterns   []piiPattern
	strategies map[PIIType]Strategy
	whitelist  map[string]bool
}

// NewRedactor builds a redactor from the deployment whitelist and optional
// per-type strategy overrides (PII type name -> strategy name).
func NewRedactor(whitelist []string, overrides map[string]string) *Redactor {
	strategies := defaultStrategies()
	for typ, strat := range overrides {
		strategies[PIIType(strings.ToUpper(typ))] = ParseStrategy(strat)
	}
	wl := make(map[string]bool, len(whitelist))
	for _, k := range whitelist {
		wl[k] = true
	}
	return &Redactor{
		patterns:   defaultPatterns(),
		strategies: strategies,
		whitelist:  wl,
	}
}

// Detect returns the first PII type whose pattern matches the value.
func (r *Redactor) Detect(value string) (PIIType, bool) {
	for _, p := range r.patterns {
		if p.Pattern.MatchString(value) {
			return p.Type, true
		}
	}
	return "", false
}

// RedactValue applies the detected type's strategy to the value. The second
// return is false when the value must be dropped.
func (r *Redactor) RedactValue(value string) (string, bool) {
	typ, found := r.Detect(value)
	if !found {
		return value, true
	}
	strategy, ok := r.strategies[typ]
	if !ok {
		strategy = StrategyHash
	}
	return Apply(strategy, value)
}

// RedactWithAnnotation honors an explicit annotation over detection.
func (r *Redactor) RedactWithAnnotation(value string, ann Annotation) (string, bool) {
	if ann.Sensitive {
		return "", false
	}
	if ann.Strategy != "" {
		return Apply(ann.Strategy, value)
	}
	return r.RedactValue(value)
}

// RedactMap redacts every value of the attribute map and enforces the
// output whitelist on every key. On ErrUnsafeAttribute or ErrPIILeakage the
// caller must not export the span.
func (r *Redactor) RedactMap(attrs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(attrs))
	for key, value := range attrs {
		if !r.keyAllowed(key) {
			observability.UnsafeAttributes.Inc()
			return nil, fmt.Errorf("%w: %q", ErrUnsafeAttribute, key)
		}

		redacted, keep := r.RedactValue(value)
		if !keep {
			continue
		}

		// A value that still looks like PII after redaction means the
		// strategy failed; refuse to leak it.
		if redacted != value {
			if _, still := r.Detect(redacted); still {
				observability.PIILeakages.Inc()
				return nil, fmt.Errorf("%w: key %q", ErrPIILeakage, key)
			}
		}
		out[key] = redacted
	}
	return out, nil
}

// keyAllowed reports whether an attribute key may leave the pipeline.
func (r *Redactor) keyAllowed(key string) bool {
	if r.whitelist[key] {
		return true
	}
	for _, prefix := range safePrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
