package models

import "time"

// Trace is the evaluation subject: all spans sharing one trace id.
// Traces exist only in memory and are discarded after evaluation.
type Trace struct {
	TraceID   string  `json:"traceId"`
	Spans     []*Span `json:"spans"`
	Truncated bool    `json:"truncated,omitempty"`
}

// Duration is max end minus min start across the trace, clamped at zero.
func (t *Trace) Duration() time.Duration {
	if len(t.Spans) == 0 {
		return 0
	}
	var minStart, maxEnd time.Time
	for _, s := range t.Spans {
		if minStart.IsZero() || s.StartTime.Before(minStart) {
			minStart = s.StartTime
		}
		end := s.EndTime
		if end.IsZero() {
			end = s.StartTime
		}
		if end.After(maxEnd) {
			maxEnd = end
		}
	}
	d := maxEnd.Sub(minStart)
	if d < 0 {
		return 0
	}
	return d
}

// Root nominates the trace root: the first span with no parent, else the
// earliest-starting span.
func (t *Trace) Root() *Span {
	var earliest *Span
	for _, s := range t.Spans {
		if s.ParentSpanID == "" {
			return s
		}
		if earliest == nil || s.StartTime.Before(earliest.StartTime) {
			earliest = s
		}
	}
	return earliest
}
