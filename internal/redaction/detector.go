package redaction

import "regexp"

// PIIType classifies a detected sensitive value.
type PIIType string

const (
	PIIEmail      PIIType = "EMAIL"
	PIISSN        PIIType = "SSN"
	PIICreditCard PIIType = "CREDIT_CARD"
	PIIPhone      PIIType = "PHONE"
	PIIName       PIIType = "NAME"
	PIIAddress    PIIType = "ADDRESS"
)

// piiPattern pairs a type with its detection regex. Order matters: the
// first matching type wins, so the more specific formats come first.
type piiPattern struct {
	Type    PIIType
	Pattern *regexp.Regexp
}

// defaultPatterns is the minimum coverage the processor ships with.
// The set is fixed: configuration can override strategies per type but
// cannot add or replace detection patterns.
func defaultPatterns() []piiPattern {
	return []piiPattern{
		{PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{PIICreditCard, regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
		{PIIEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
		{PIIPhone, regexp.MustCompile(`\b\+?\d{0,2}[-. ]?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)},
		{PIIAddress, regexp.MustCompile(`\b\d+\s+[A-Za-z][A-Za-z0-9 .]*\s(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\.?\b`)},
		{PIIName, regexp.MustCompile(`^[A-Z][a-z]+(?: [A-Z]\.)? [A-Z][a-z]+$`)},
	}
}

// defaultStrategies maps each PII type to its default redaction strategy.
// A detected type with no mapped strategy falls back to HASH.
func defaultStrategies() map[PIIType]Strategy {
	return map[PIIType]Strategy{
		PIISSN:        StrategyRedact,
		PIICreditCard: StrategyMask,
		PIIEmail:      StrategyHash,
		PIIPhone:      StrategyMask,
		PIIName:       StrategyHash,
		PIIAddress:    StrategyHash,
	}
}
