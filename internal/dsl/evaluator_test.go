package dsl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betracehq/betrace-processor/pkg/models"
)

func span(op string, attrs map[string]any) *models.Span {
	start := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	return &models.Span{
		SpanID:        "00f067aa0ba902b7",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		OperationName: op,
		ServiceName:   "payments",
		StartTime:     start,
		EndTime:       start.Add(50 * time.Millisecond),
		Kind:          models.KindServer,
		Status:        models.StatusOK,
		Attributes:    attrs,
		TenantID:      "tenant-a",
	}
}

func evalDSL(t *testing.T, expr string, spans []*models.Span) bool {
	t.Helper()
	rule, err := Parse(expr)
	require.NoError(t, err)
	matched, err := NewEvaluator().EvaluateRule(rule, spans)
	require.NoError(t, err)
	return matched
}

func TestAlwaysClauseMatchesWhenRequirementMissing(t *testing.T) {
	expr := `when { payment.charge.where(amount > 1000) } always { payment.fraud_check }`

	charge := span("payment.charge", map[string]any{"amount": float64(1500)})

	// Missing fraud check: violation.
	assert.True(t, evalDSL(t, expr, []*models.Span{charge}))

	// Fraud check present: no violation.
	fraudCheck := span("payment.fraud_check", nil)
	assert.False(t, evalDSL(t, expr, []*models.Span{charge, fraudCheck}))

	// Condition does not hold: no violation either way.
	small := span("payment.charge", map[string]any{"amount": float64(10)})
	assert.False(t, evalDSL(t, expr, []*models.Span{small}))
}

func TestNeverClauseMatchesWhenForbiddenPresent(t *testing.T) {
	expr := `when { admin.login } never { db.raw_query }`

	login := span("admin.login", nil)
	rawQuery := span("db.raw_query", nil)

	assert.False(t, evalDSL(t, expr, []*models.Span{login}))
	assert.True(t, evalDSL(t, expr, []*models.Span{login, rawQuery}))
	assert.False(t, evalDSL(t, expr, []*models.Span{rawQuery}))
}

func TestBareWhenMatchesOnCondition(t *testing.T) {
	expr := `when { circuit_breaker_opened }`
	assert.True(t, evalDSL(t, expr, []*models.Span{span("circuit_breaker_opened", nil)}))
	assert.False(t, evalDSL(t, expr, []*models.Span{span("other", nil)}))
}

func TestCountChecks(t *testing.T) {
	retries := []*models.Span{
		span("http_retry", nil),
		span("http_retry", nil),
		span("http_retry", nil),
		span("http_retry", nil),
	}

	assert.True(t, evalDSL(t, `when { count(http_retry) > 3 }`, retries))
	assert.False(t, evalDSL(t, `when { count(http_retry) > 4 }`, retries))
	assert.True(t, evalDSL(t, `when { count(http_retry) == 4 }`, retries))
}

func TestCountAgainstCount(t *testing.T) {
	spans := []*models.Span{
		span("http_request", nil),
		span("http_request", nil),
		span("http_response", nil),
	}
	assert.True(t, evalDSL(t, `when { count(http_request) != count(http_response) }`, spans))

	spans = append(spans, span("http_response", nil))
	assert.False(t, evalDSL(t, `when { count(http_request) != count(http_response) }`, spans))
}

func TestChainedWhereFilters(t *testing.T) {
	expr := `when { payment.where(amount > 1000).where(currency == "USD") }`

	usd := span("payment", map[string]any{"amount": float64(2000), "currency": "USD"})
	eur := span("payment", map[string]any{"amount": float64(2000), "currency": "EUR"})

	assert.True(t, evalDSL(t, expr, []*models.Span{usd}))
	assert.False(t, evalDSL(t, expr, []*models.Span{eur}))
}

func TestWhereBooleanLogic(t *testing.T) {
	expr := `when { payment.where(amount > 100 and not verified) }`

	unverified := span("payment", map[string]any{"amount": float64(200), "verified": false})
	verified := span("payment", map[string]any{"amount": float64(200), "verified": true})

	assert.True(t, evalDSL(t, expr, []*models.Span{unverified}))
	assert.False(t, evalDSL(t, expr, []*models.Span{verified}))
}

func TestTopLevelBooleanLogic(t *testing.T) {
	expr := `when { service_failure and dependency_failure }`

	assert.True(t, evalDSL(t, expr, []*models.Span{span("service_failure", nil), span("dependency_failure", nil)}))
	assert.False(t, evalDSL(t, expr, []*models.Span{span("service_failure", nil)}))

	orExpr := `when { cache_miss or cache_error }`
	assert.True(t, evalDSL(t, orExpr, []*models.Span{span("cache_error", nil)}))

	notExpr := `when { service_failure and not incident_alert }`
	assert.True(t, evalDSL(t, notExpr, []*models.Span{span("service_failure", nil)}))
	assert.False(t, evalDSL(t, notExpr, []*models.Span{span("service_failure", nil), span("incident_alert", nil)}))
}

func TestInOperator(t *testing.T) {
	expr := `when { http_request.where(method in ["PUT", "DELETE"]) }`

	assert.True(t, evalDSL(t, expr, []*models.Span{span("http_request", map[string]any{"method": "DELETE"})}))
	assert.False(t, evalDSL(t, expr, []*models.Span{span("http_request", map[string]any{"method": "GET"})}))
}

func TestMatchesIsRegex(t *testing.T) {
	expr := `when { http_request.where(path matches "^/admin/.*") }`

	assert.True(t, evalDSL(t, expr, []*models.Span{span("http_request", map[string]any{"path": "/admin/users"})}))
	assert.False(t, evalDSL(t, expr, []*models.Span{span("http_request", map[string]any{"path": "/api/admin"})}))
}

func TestMatchesInvalidRegexErrors(t *testing.T) {
	rule, err := Parse(`when { http_request.where(path matches "[unclosed") }`)
	require.NoError(t, err)

	_, err = NewEvaluator().EvaluateRule(rule, []*models.Span{span("http_request", map[string]any{"path": "/x"})})
	require.Error(t, err)
}

func TestContainsOperator(t *testing.T) {
	expr := `when { payment.where(description contains "fraud") }`
	assert.True(t, evalDSL(t, expr, []*models.Span{span("payment", map[string]any{"description": "possible fraud attempt"})}))
	assert.False(t, evalDSL(t, expr, []*models.Span{span("payment", map[string]any{"description": "routine"})}))
}

func TestQuotedDottedAttribute(t *testing.T) {
	expr := `when { http_response.where("http.status_code" >= 500) }`

	assert.True(t, evalDSL(t, expr, []*models.Span{span("http_response", map[string]any{"http.status_code": float64(503)})}))
	assert.False(t, evalDSL(t, expr, []*models.Span{span("http_response", map[string]any{"http.status_code": float64(200)})}))
}

func TestNumericStringCoercion(t *testing.T) {
	// Attribute arrives as a string; numeric comparison still applies.
	expr := `when { payment.where(amount > 1000) }`
	assert.True(t, evalDSL(t, expr, []*models.Span{span("payment", map[string]any{"amount": "1500"})}))
	assert.False(t, evalDSL(t, expr, []*models.Span{span("payment", map[string]any{"amount": "999"})}))
}

func TestIntrinsicFields(t *testing.T) {
	errored := span("db.query", nil)
	errored.Status = models.StatusError

	assert.True(t, evalDSL(t, `when { db.query.where(status == "error") }`, []*models.Span{errored}))
	assert.True(t, evalDSL(t, `when { db.query.where(service_name == "payments") }`, []*models.Span{errored}))
	// Duration is exposed in milliseconds; the test span runs 50ms.
	assert.True(t, evalDSL(t, `when { db.query.where(duration >= 50) }`, []*models.Span{errored}))
	assert.False(t, evalDSL(t, `when { db.query.where(duration > 51) }`, []*models.Span{errored}))
}

func TestMissingAttributeDoesNotMatch(t *testing.T) {
	expr := `when { payment.where(amount > 1000) }`
	assert.False(t, evalDSL(t, expr, []*models.Span{span("payment", nil)}))
}
