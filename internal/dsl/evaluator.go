package dsl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/betracehq/betrace-processor/pkg/models"
)

// Evaluator runs parsed rules against a complete trace. Rules are
// trace-level: span checks quantify over every span sharing the trace id.
type Evaluator struct {
	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
}

// NewEvaluator creates a new evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{regexes: make(map[string]*regexp.Regexp)}
}

// EvaluateRule reports whether the rule matches the trace.
// `when {C} always {R}` matches when C holds and R does not;
// `when {C} never {F}` matches when C holds and F does;
// a bare `when {C}` matches when C holds.
func (e *Evaluator) EvaluateRule(rule *Rule, spans []*models.Span) (bool, error) {
	if rule == nil || rule.When == nil {
		return false, fmt.Errorf("rule has no when clause")
	}

	when, err := e.evalBool(rule.When, spans)
	if err != nil {
		return false, err
	}
	if !when {
		return false, nil
	}

	if rule.Always != nil {
		required, err := e.evalBool(rule.Always, spans)
		if err != nil {
			return false, err
		}
		return !required, nil
	}

	if rule.Never != nil {
		forbidden, err := e.evalBool(rule.Never, spans)
		if err != nil {
			return false, err
		}
		return forbidden, nil
	}

	return true, nil
}

func (e *Evaluator) evalBool(expr *BoolExpr, spans []*models.Span) (bool, error) {
	for _, chain := range append([]*AndChain{expr.First}, expr.Rest...) {
		matched, err := e.evalAndChain(chain, spans)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) evalAndChain(chain *AndChain, spans []*models.Span) (bool, error) {
	for _, neg := range append([]*Negatable{chain.First}, chain.Rest...) {
		matched, err := e.evalAtom(neg.Atom, spans)
		if err != nil {
			return false, err
		}
		if neg.Not {
			matched = !matched
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) evalAtom(atom *Atom, spans []*models.Span) (bool, error) {
	switch {
	case atom.Grouped != nil:
		return e.evalBool(atom.Grouped, spans)
	case atom.Count != nil:
		return e.evalCountCheck(atom.Count, spans)
	case atom.Span != nil:
		return e.evalSpanMatch(atom.Span, spans)
	default:
		return false, fmt.Errorf("empty atom")
	}
}

func (e *Evaluator) evalCountCheck(check *CountCheck, spans []*models.Span) (bool, error) {
	left := float64(countOperation(spans, joinPath(check.Op)))
	right, err := e.resolveOperand(check.Right, nil, spans)
	if err != nil {
		return false, err
	}
	rightNum, ok := toFloat64(right)
	if !ok {
		return false, fmt.Errorf("count comparison requires a numeric right-hand side")
	}
	return compareNumbers(left, rightNum, check.Operator), nil
}

// evalSpanMatch checks whether any span satisfies the operation-name match
// plus the optional filters.
func (e *Evaluator) evalSpanMatch(match *SpanMatch, spans []*models.Span) (bool, error) {
	opName := joinPath(match.Path)

	// A direct comparison peels the trailing path segment off as the
	// attribute: payment.amount > 1000 filters attribute "amount" on
	// spans of operation "payment".
	var attr string
	if match.Compare != nil {
		if len(match.Path) > 1 {
			attr = match.Path[len(match.Path)-1]
			opName = joinPath(match.Path[:len(match.Path)-1])
		} else {
			attr = match.Path[0]
			opName = ""
		}
	}

	for _, span := range spans {
		if opName != "" && span.OperationName != opName {
			continue
		}

		if match.Compare != nil {
			matched, err := e.evalAttrComparison(attr, match.Compare, span, spans)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
			continue
		}

		if len(match.Filters) > 0 {
			matched, err := e.evalFilters(match.Filters, span, spans)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
			continue
		}

		// Bare operation-name check
		return true, nil
	}
	return false, nil
}

// evalFilters requires every chained .where(...) to hold on the same span.
func (e *Evaluator) evalFilters(filters []*BoolFilter, span *models.Span, spans []*models.Span) (bool, error) {
	for _, f := range filters {
		matched, err := e.evalFilter(f, span, spans)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) evalFilter(filter *BoolFilter, span *models.Span, spans []*models.Span) (bool, error) {
	for _, and := range append([]*FilterAnd{filter.First}, filter.Rest...) {
		matched, err := e.evalFilterAnd(and, span, spans)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) evalFilterAnd(and *FilterAnd, span *models.Span, spans []*models.Span) (bool, error) {
	for _, term := range append([]*FilterTerm{and.First}, and.Rest...) {
		matched, err := e.evalFilterTerm(term, span, spans)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) evalFilterTerm(term *FilterTerm, span *models.Span, spans []*models.Span) (bool, error) {
	var matched bool
	var err error

	switch {
	case term.Grouped != nil:
		matched, err = e.evalFilter(term.Grouped, span, spans)
	case term.Attr != nil:
		matched, err = e.evalAttrTest(term.Attr, span, spans)
	default:
		err = fmt.Errorf("empty filter term")
	}

	if err != nil {
		return false, err
	}
	if term.Not {
		return !matched, nil
	}
	return matched, nil
}

// evalAttrTest resolves one attribute of the span under test. Without a
// comparison the attribute is read as a boolean.
func (e *Evaluator) evalAttrTest(test *AttrTest, span *models.Span, spans []*models.Span) (bool, error) {
	if test.Cmp == nil {
		return toBool(spanValue(span, unquote(test.Name))), nil
	}
	return e.evalAttrComparison(unquote(test.Name), test.Cmp, span, spans)
}

func (e *Evaluator) evalAttrComparison(attr string, cmp *Comparison, span *models.Span, spans []*models.Span) (bool, error) {
	left := spanValue(span, attr)
	right, err := e.resolveOperand(cmp.Right, span, spans)
	if err != nil {
		return false, err
	}
	return e.compareValues(left, right, cmp.Operator)
}

// resolveOperand produces the right-hand value: a literal, a count()
// expression, or another attribute of the same span.
func (e *Evaluator) resolveOperand(op *Operand, span *models.Span, spans []*models.Span) (any, error) {
	if op == nil {
		return nil, fmt.Errorf("missing operand")
	}
	switch {
	case op.Lit != nil:
		return literalValue(op.Lit), nil
	case op.Count != nil:
		return float64(countOperation(spans, joinPath(op.Count.Op))), nil
	case len(op.Path) > 0:
		if span == nil {
			return nil, fmt.Errorf("attribute reference %q outside span scope", joinPath(op.Path))
		}
		return spanValue(span, joinPath(op.Path)), nil
	default:
		return nil, fmt.Errorf("empty operand")
	}
}

func (e *Evaluator) compareValues(left, right any, operator string) (bool, error) {
	switch operator {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case ">", ">=", "<", "<=":
		l, lok := toFloat64(left)
		r, rok := toFloat64(right)
		if !lok || !rok {
			return false, nil
		}
		return compareNumbers(l, r, operator), nil
	case "in":
		return valueIn(left, right), nil
	case "contains":
		return strings.Contains(toString(left), toString(right)), nil
	case "matches":
		return e.regexMatch(toString(left), toString(right))
	default:
		return false, fmt.Errorf("unsupported operator: %s", operator)
	}
}

func (e *Evaluator) regexMatch(value, pattern string) (bool, error) {
	e.mu.Lock()
	re, ok := e.regexes[pattern]
	e.mu.Unlock()
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		e.mu.Lock()
		e.regexes[pattern] = re
		e.mu.Unlock()
	}
	return re.MatchString(value), nil
}

// ---- value helpers ----

// spanValue resolves an attribute or intrinsic field of a span. Intrinsics
// mirror the read-only trace view: status, duration (ms), operation and
// service names, ids.
func spanValue(span *models.Span, key string) any {
	switch key {
	case "status":
		return string(span.Status)
	case "duration":
		return float64(span.Duration()) / 1e6
	case "operation_name", "name":
		return span.OperationName
	case "service_name":
		return span.ServiceName
	case "trace_id":
		return span.TraceID
	case "span_id":
		return span.SpanID
	case "kind":
		return string(span.Kind)
	}
	if v, ok := span.Attributes[key]; ok {
		return v
	}
	return nil
}

func countOperation(spans []*models.Span, opName string) int {
	n := 0
	for _, s := range spans {
		if s.OperationName == opName {
			n++
		}
	}
	return n
}

func joinPath(parts []string) string {
	return strings.Join(parts, ".")
}

func literalValue(v *Literal) any {
	switch {
	case v.Str != nil:
		return unquote(*v.Str)
	case v.Float != nil:
		return *v.Float
	case v.Int != nil:
		return float64(*v.Int)
	case v.Bool != nil:
		return *v.Bool
	case v.Enum != nil:
		return *v.Enum
	case v.List != nil:
		out := make([]any, len(v.List))
		for i, s := range v.List {
			out[i] = unquote(s)
		}
		return out
	default:
		return nil
	}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if an, aok := toFloat64(a); aok {
		if bn, bok := toFloat64(b); bok {
			return an == bn
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return toString(a) == toString(b)
}

func valueIn(value, collection any) bool {
	switch coll := collection.(type) {
	case []any:
		for _, item := range coll {
			if valuesEqual(value, item) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(coll, toString(value))
	default:
		return false
	}
}

func compareNumbers(l, r float64, operator string) bool {
	switch operator {
	case ">":
		return l > r
	case ">=":
		return l >= r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case "==":
		return l == r
	case "!=":
		return l != r
	default:
		return false
	}
}

func toBool(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val == "true" || val == "1"
	case float64:
		return val != 0
	default:
		return false
	}
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", v)
	}
}
