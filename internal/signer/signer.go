package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/betracehq/betrace-processor/internal/observability"
	"github.com/betracehq/betrace-processor/pkg/models"
)

// SigningFailed is attached in place of a signature when the key is missing
// or the signer is unavailable. Emission is never blocked by signing.
const SigningFailed = "signing_failed"

// KeySource supplies per-tenant signing keys. Implementations front the
// key-management collaborator; fetches may block on a cold cache.
type KeySource interface {
	// Key returns the signing key for the tenant, or an error when the
	// collaborator is unavailable or the tenant has no key.
	Key(tenantID string) ([]byte, error)
}

// StaticKeySource derives tenant keys from one master secret:
// HMAC-SHA256(master, tenantID). A single-tenant deployment configures one
// secret and verification holds across process restarts.
type StaticKeySource struct {
	master []byte
}

// NewStaticKeySource builds the default key source. An empty master secret
// yields a source whose fetches fail, which downgrades signatures to the
// signing_failed marker rather than blocking emission.
func NewStaticKeySource(masterKey string) *StaticKeySource {
	return &StaticKeySource{master: []byte(masterKey)}
}

// Key derives the tenant key.
func (s *StaticKeySource) Key(tenantID string) ([]byte, error) {
	if len(s.master) == 0 {
		return nil, fmt.Errorf("signer master key not configured")
	}
	mac := hmac.New(sha256.New, s.master)
	mac.Write([]byte(tenantID))
	return mac.Sum(nil), nil
}

// Signer computes tamper-evidence tags for compliance spans. Keys are
// fetched from the source at first use and cached; rotation invalidates the
// cache under a coarse lock.
type Signer struct {
	source KeySource

	mu   sync.RWMutex
	keys map[string][]byte
}

// New creates a signer over the key source.
func New(source KeySource) *Signer {
	return &Signer{source: source, keys: make(map[string][]byte)}
}

// CanonicalForm derives the byte string the HMAC covers: fixed field order,
// pipe-delimited, null fields as empty. Downstream verifiers recompute it
// from the exported span's declared fields.
func CanonicalForm(traceID, spanID, tenantID, framework, control, evidenceType, timestamp string) []byte {
	return []byte(strings.Join([]string{
		traceID, spanID, tenantID, framework, control, evidenceType, timestamp,
	}, "|"))
}

// Sign computes the base64 HMAC-SHA256 tag for an evidence record. Failures
// never block emission: a missing key, an unavailable source, or nil input
// all yield the signing_failed marker.
func (s *Signer) Sign(rec *models.EvidenceRecord, spanID string) string {
	if rec == nil || rec.TenantID == "" {
		observability.SigningFailures.Inc()
		return SigningFailed
	}

	key, err := s.key(rec.TenantID)
	if err != nil {
		observability.SigningFailures.Inc()
		return SigningFailed
	}

	canonical := CanonicalForm(rec.TraceID, spanID, rec.TenantID, rec.Framework, rec.Control, rec.EvidenceType, rec.Timestamp)
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the canonical form from the declared fields and
// compares the tag. This is the contract downstream readers consume.
func (s *Signer) Verify(rec *models.EvidenceRecord, spanID, signature string) bool {
	if signature == SigningFailed {
		return false
	}
	return hmac.Equal([]byte(s.Sign(rec, spanID)), []byte(signature))
}

// Rotate drops every cached key; subsequent signs refetch from the source.
func (s *Signer) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string][]byte)
}

func (s *Signer) key(tenantID string) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[tenantID]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := s.source.Key(tenantID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.keys[tenantID] = key
	s.mu.Unlock()
	return key, nil
}
