package rules

import (
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/betracehq/betrace-processor/internal/dsl"
	"github.com/betracehq/betrace-processor/internal/observability"
	"github.com/betracehq/betrace-processor/pkg/models"
)

// forbiddenOperations are tokens a compiled expression may never resolve to.
// Resolution to one of them is rejected at load time; the rule is inert and
// the attempt is audited.
var forbiddenOperations = map[string]bool{
	"System.exit":        true,
	"Runtime.exec":       true,
	"Runtime.getRuntime": true,
	"ProcessBuilder":     true,
	"os.exit":            true,
	"os.exec":            true,
	"syscall":            true,
	"reflect":            true,
	"unsafe":             true,
	"file.open":          true,
	"file.read":          true,
	"file.write":         true,
	"net.dial":           true,
	"net.listen":         true,
	"http.request":       true,
}

// forbiddenPrefixes catch namespaced variants (java.io.*, os.file.*).
var forbiddenPrefixes = []string{
	"java.io.", "java.net.", "java.lang.reflect.",
	"os.file.", "net.socket.",
}

// CompiledExpression is a cache entry: the executable form plus the exact
// (name, expression) tuple it was produced from, and the result of the
// load-time sandbox screen.
type CompiledExpression struct {
	AST        *dsl.Rule
	Name       string
	Expression string
	// ForbiddenOp is non-empty when the compiled form resolves to a
	// forbidden operation; such a rule is never evaluated.
	ForbiddenOp string
}

// screenForbidden returns the first forbidden operation the compiled form
// resolves to, or "".
func screenForbidden(ast *dsl.Rule) string {
	for _, ref := range dsl.CollectReferences(ast) {
		if forbiddenOperations[ref] {
			return ref
		}
		for _, prefix := range forbiddenPrefixes {
			if strings.HasPrefix(ref, prefix) {
				return ref
			}
		}
	}
	return ""
}

// Cache is a bounded LRU of compiled expressions keyed by rule id. An
// in-map compile token deduplicates concurrent compiles of the same rule;
// losers block on the winner's result.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	// inflight holds a latch per rule id while a compile is running.
	inflight map[string]*compileToken

	// parseErrors tracks rules whose last compile failed; such rules are
	// inert until their definition changes.
	parseErrors map[string]error
}

type compileToken struct {
	done chan struct{}
	expr *CompiledExpression
	err  error
}

type cacheEntry struct {
	ruleID string
	expr   *CompiledExpression
}

// NewCache creates a compiled-expression cache holding up to maxSize entries.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		maxSize:     maxSize,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		inflight:    make(map[string]*compileToken),
		parseErrors: make(map[string]error),
	}
}

// GetOrCompile returns the compiled form for the rule, compiling and caching
// on miss. A cached form produced from a stale (name, expression) tuple is
// treated as a miss and recompiled.
func (c *Cache) GetOrCompile(rule models.Rule) (*CompiledExpression, error) {
	c.mu.Lock()
	if el, ok := c.entries[rule.ID]; ok {
		entry := el.Value.(*cacheEntry)
		if entry.expr.Name == rule.Name && entry.expr.Expression == rule.Expression {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			observability.CompiledCacheHits.WithLabelValues("hit").Inc()
			return entry.expr, nil
		}
		// Stale compiled form: the definition changed under this id.
		c.removeLocked(rule.ID)
		observability.CompiledCacheHits.WithLabelValues("recompile").Inc()
	} else {
		observability.CompiledCacheHits.WithLabelValues("miss").Inc()
	}

	if token, ok := c.inflight[rule.ID]; ok {
		c.mu.Unlock()
		<-token.done
		return token.expr, token.err
	}

	token := &compileToken{done: make(chan struct{})}
	c.inflight[rule.ID] = token
	c.mu.Unlock()

	token.expr, token.err = Compile(rule)

	c.mu.Lock()
	delete(c.inflight, rule.ID)
	if token.err == nil {
		c.insertLocked(rule.ID, token.expr)
		delete(c.parseErrors, rule.ID)
	} else {
		c.parseErrors[rule.ID] = token.err
	}
	c.mu.Unlock()
	close(token.done)

	return token.expr, token.err
}

// ParseErrors returns the rules whose last compile failed, by id.
func (c *Cache) ParseErrors() map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]error, len(c.parseErrors))
	for id, err := range c.parseErrors {
		out[id] = err
	}
	return out
}

// Compile parses a rule expression into its executable form and screens it
// against the sandbox's forbidden operations. Used directly for the
// on-the-fly fallback when the cache is unavailable.
func Compile(rule models.Rule) (*CompiledExpression, error) {
	ast, err := dsl.Parse(rule.Expression)
	if err != nil {
		observability.RuleCompileTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to parse rule %s: %w", rule.ID, err)
	}
	observability.RuleCompileTotal.WithLabelValues("success").Inc()
	return &CompiledExpression{
		AST:         ast,
		Name:        rule.Name,
		Expression:  rule.Expression,
		ForbiddenOp: screenForbidden(ast),
	}, nil
}

// Invalidate drops the compiled form and any recorded parse error for a
// rule id.
func (c *Cache) Invalidate(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(ruleID)
	delete(c.parseErrors, ruleID)
}

// Len returns the number of cached compiled forms.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) insertLocked(ruleID string, expr *CompiledExpression) {
	if el, ok := c.entries[ruleID]; ok {
		el.Value.(*cacheEntry).expr = expr
		c.order.MoveToFront(el)
		return
	}
	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*cacheEntry).ruleID)
	}
	c.entries[ruleID] = c.order.PushFront(&cacheEntry{ruleID: ruleID, expr: expr})
}

func (c *Cache) removeLocked(ruleID string) {
	if el, ok := c.entries[ruleID]; ok {
		c.order.Remove(el)
		delete(c.entries, ruleID)
	}
}
