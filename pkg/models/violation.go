package models

// ViolationRecord is produced when a rule matches a trace. The context map is
// bounded and passes through PII redaction before leaving the pipeline.
type ViolationRecord struct {
	TenantID    string            `json:"tenantId"`
	RuleID      string            `json:"ruleId"`
	RuleName    string            `json:"ruleName"`
	TraceID     string            `json:"traceId"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Context     map[string]string `json:"context,omitempty"`
}

// EvidenceRecord carries compliance evidence for an evaluated trace. It is
// shaped into an OTLP span and signed before export.
type EvidenceRecord struct {
	TenantID     string `json:"tenantId"`
	TraceID      string `json:"traceId"`
	Framework    string `json:"framework"`
	Control      string `json:"control"`
	EvidenceType string `json:"evidenceType"`
	Outcome      string `json:"outcome"` // success | failure
	Timestamp    string `json:"timestamp"` // RFC 3339 UTC
}
