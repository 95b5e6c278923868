package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/betracehq/betrace-processor/internal/config"
	"github.com/betracehq/betrace-processor/internal/rules"
	"github.com/betracehq/betrace-processor/pkg/models"
)

// RuleHandlers serves the rule-management control channel (HTTP/JSON).
// Expressions are compiled and sandbox-screened on the way in; a rule whose
// compiled form resolves to a forbidden operation is rejected here, audited
// through the same sink the evaluator uses.
type RuleHandlers struct {
	registry *rules.Registry
	cache    *rules.Cache
	limits   config.RuleConfig
	audit    rules.AuditSink
	tracer   trace.Tracer
}

// NewRuleHandlers creates handlers over the registry and compiled cache.
func NewRuleHandlers(registry *rules.Registry, cache *rules.Cache, limits config.RuleConfig, audit rules.AuditSink, tracer trace.Tracer) *RuleHandlers {
	return &RuleHandlers{registry: registry, cache: cache, limits: limits, audit: audit, tracer: tracer}
}

// RuleRequest is the upsert body.
type RuleRequest struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Expression  string `json:"expression" yaml:"expression"`
	Severity    string `json:"severity,omitempty" yaml:"severity,omitempty"`
	Active      bool   `json:"active" yaml:"active"`
}

// Register wires the rule routes onto the mux.
func (h *RuleHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rules", h.ListRules)
	mux.HandleFunc("POST /api/rules", h.UpsertRule)
	mux.HandleFunc("GET /api/rules/stats", h.Stats)
	mux.HandleFunc("POST /api/rules/validate", h.ValidateRule)
	mux.HandleFunc("POST /api/rules/import", h.ImportRules)
	mux.HandleFunc("GET /api/rules/{id}", h.GetRule)
	mux.HandleFunc("DELETE /api/rules/{id}", h.DeleteRule)
}

// UpsertRule handles POST /api/rules. The response carries the derived rule
// id; the id is a pure function of (tenant, name, expression).
func (h *RuleHandlers) UpsertRule(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "UpsertRule")
	if span != nil {
		defer span.End()
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.screenRequest(&req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Compile up front so authors get the parse error, not an inert rule
	// discovered later; the compiled form is also screened against the
	// sandbox's forbidden operations.
	if err := h.compileAndScreen(ctx, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rule, err := h.registry.Put(models.Rule{
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Severity:    models.NormalizeSeverity(req.Severity),
		Active:      req.Active,
	})
	if err != nil {
		respondError(w, err.Error(), http.StatusConflict)
		return
	}

	if span != nil {
		span.SetAttributes(attribute.String("rule.id", rule.ID))
	}
	respondJSON(w, http.StatusOK, rule)
}

// ListRules handles GET /api/rules.
func (h *RuleHandlers) ListRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.registry.AllRules())
}

// GetRule handles GET /api/rules/{id}.
func (h *RuleHandlers) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		respondError(w, "rule not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /api/rules/{id}.
func (h *RuleHandlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.PathValue("id")); err != nil {
		respondError(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateRuleResponse is the response for rule validation.
type ValidateRuleResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidateRule handles POST /api/rules/validate: compiles an expression
// without persisting it. Forbidden-operation hits report invalid the same
// way a parse error does.
func (h *RuleHandlers) ValidateRule(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "ValidateRule")
	if span != nil {
		defer span.End()
	}

	var req struct {
		Expression string `json:"expression"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Expression == "" {
		respondError(w, "Missing required field: expression", http.StatusBadRequest)
		return
	}
	if err := sanitizeExpression(req.Expression); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.compileAndScreen(ctx, &RuleRequest{Expression: req.Expression}); err != nil {
		respondJSON(w, http.StatusOK, ValidateRuleResponse{Valid: false, Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, ValidateRuleResponse{Valid: true})
}

// ImportRules handles POST /api/rules/import: a YAML document of rules,
// each screened and compiled like a single upsert.
func (h *RuleHandlers) ImportRules(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "ImportRules")
	if span != nil {
		defer span.End()
	}

	var doc struct {
		Rules []RuleRequest `yaml:"rules"`
	}
	if err := yaml.NewDecoder(r.Body).Decode(&doc); err != nil {
		respondError(w, "Invalid YAML body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(doc.Rules) == 0 {
		respondError(w, "no rules in document", http.StatusBadRequest)
		return
	}
	if h.limits.MaxRulesPerImport > 0 && len(doc.Rules) > h.limits.MaxRulesPerImport {
		respondError(w, fmt.Sprintf("import exceeds limit of %d rules", h.limits.MaxRulesPerImport), http.StatusBadRequest)
		return
	}

	type importResult struct {
		Name  string `json:"name"`
		ID    string `json:"id,omitempty"`
		Error string `json:"error,omitempty"`
	}
	results := make([]importResult, 0, len(doc.Rules))
	for _, req := range doc.Rules {
		res := importResult{Name: req.Name}
		if err := h.screenRequest(&req); err != nil {
			res.Error = err.Error()
		} else if err := h.compileAndScreen(ctx, &req); err != nil {
			res.Error = err.Error()
		} else {
			rule, err := h.registry.Put(models.Rule{
				Name:        req.Name,
				Description: req.Description,
				Expression:  req.Expression,
				Severity:    models.NormalizeSeverity(req.Severity),
				Active:      req.Active,
			})
			if err != nil {
				res.Error = err.Error()
			} else {
				res.ID = rule.ID
			}
		}
		results = append(results, res)
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Stats handles GET /api/rules/stats. Inert rules are those the evaluator
// will never run: compile failures plus sandbox rejections.
func (h *RuleHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	all := h.registry.AllRules()
	active, inert, compileErrors := 0, 0, 0
	for _, rule := range all {
		if rule.Active {
			active++
		}
		compiled, err := h.cache.GetOrCompile(rule)
		if err != nil {
			compileErrors++
			inert++
			continue
		}
		if compiled.ForbiddenOp != "" {
			inert++
		}
	}
	respondJSON(w, http.StatusOK, map[string]int{
		"total":          len(all),
		"active":         active,
		"inactive":       len(all) - active,
		"inert":          inert,
		"compile_errors": compileErrors,
	})
}

// compileAndScreen compiles the expression and rejects compiled forms that
// resolve to a forbidden operation, auditing the attempt.
func (h *RuleHandlers) compileAndScreen(ctx context.Context, req *RuleRequest) error {
	compiled, err := rules.Compile(models.Rule{Name: req.Name, Expression: req.Expression})
	if err != nil {
		return fmt.Errorf("invalid expression: %w", err)
	}
	if compiled.ForbiddenOp != "" {
		if h.audit != nil {
			ruleID := rules.RuleID(h.registry.TenantID(), req.Name, req.Expression)
			h.audit.RecordSandboxViolation(ctx, h.registry.TenantID(), compiled.ForbiddenOp, "betrace.rules."+ruleID)
		}
		return fmt.Errorf("expression resolves to forbidden operation %q", compiled.ForbiddenOp)
	}
	return nil
}

func (h *RuleHandlers) screenRequest(req *RuleRequest) error {
	if req.Name == "" {
		return fmt.Errorf("missing required field: name")
	}
	if req.Expression == "" {
		return fmt.Errorf("missing required field: expression")
	}
	if h.limits.MaxNameLen > 0 && len(req.Name) > h.limits.MaxNameLen {
		return fmt.Errorf("name exceeds %d bytes", h.limits.MaxNameLen)
	}
	if h.limits.MaxExpressionLen > 0 && len(req.Expression) > h.limits.MaxExpressionLen {
		return fmt.Errorf("expression exceeds %d bytes", h.limits.MaxExpressionLen)
	}
	if err := sanitizeText("name", req.Name); err != nil {
		return err
	}
	if req.Description != "" {
		if err := sanitizeText("description", req.Description); err != nil {
			return err
		}
	}
	return sanitizeExpression(req.Expression)
}

func (h *RuleHandlers) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), nil
	}
	return h.tracer.Start(r.Context(), name)
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, message string, code int) {
	respondJSON(w, code, map[string]string{"error": message})
}
