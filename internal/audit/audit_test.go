package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRuleID(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{"betrace.rules.rule042", "rule042"},
		{"betrace.rules.rule_9f2a77c01b3d4e5f", "rule_9f2a77c01b3d4e5f"},
		{"com.example.evil.Exploit", "unknown"},
		{"rule123", "rule123"},
		{"", "unknown"},
		{"betrace.rules.helper", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRuleID(tt.origin))
		})
	}
}

func TestAttackRateFlag(t *testing.T) {
	var events []Event
	logger := NewLogger(10, func(ev Event) { events = append(events, ev) })

	for i := 0; i < 11; i++ {
		logger.RecordSandboxViolation(context.Background(), "tenant-a", "System.exit", "betrace.rules.rule042")
	}

	require.Len(t, events, 11)

	// The first ten events carry no attack attributes.
	for i := 0; i < 10; i++ {
		assert.False(t, events[i].PossibleAttack, "event %d must not be flagged", i)
		assert.Zero(t, events[i].Count, "event %d must not carry a count", i)
	}

	// The eleventh crosses the threshold.
	assert.True(t, events[10].PossibleAttack)
	assert.Equal(t, int64(11), events[10].Count)
	assert.Equal(t, int64(11), logger.Count("tenant-a"))
}

func TestCountersArePerTenant(t *testing.T) {
	logger := NewLogger(10, nil)

	for i := 0; i < 5; i++ {
		logger.RecordSandboxViolation(context.Background(), "tenant-a", "Runtime.exec", "x")
	}
	logger.RecordSandboxViolation(context.Background(), "tenant-b", "Runtime.exec", "x")

	assert.Equal(t, int64(5), logger.Count("tenant-a"))
	assert.Equal(t, int64(1), logger.Count("tenant-b"))
	assert.Equal(t, int64(0), logger.Count("tenant-c"))
}

func TestNullFieldsNeverCrash(t *testing.T) {
	var events []Event
	logger := NewLogger(10, func(ev Event) { events = append(events, ev) })

	logger.RecordSandboxViolation(context.Background(), "tenant-a", "", "")

	require.Len(t, events, 1)
	assert.Equal(t, "unknown", events[0].Operation)
	assert.Equal(t, "unknown", events[0].ClassName)
	assert.Equal(t, "unknown", events[0].RuleID)
}

func TestEventForensics(t *testing.T) {
	var events []Event
	logger := NewLogger(10, func(ev Event) { events = append(events, ev) })

	logger.RecordSandboxViolation(context.Background(), "tenant-a", "Runtime.exec", "betrace.rules.rule042")

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "tenant-a", ev.TenantID)
	assert.Equal(t, "Runtime.exec", ev.Operation)
	assert.Equal(t, "rule042", ev.RuleID)
	assert.NotEmpty(t, ev.StackTrace)
	assert.Positive(t, ev.TimestampMs)
}
