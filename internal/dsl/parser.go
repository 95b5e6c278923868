package dsl

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// DSL v2 grammar.
//
// A rule is `when { <condition> }` with an optional `always { ... }`
// (requirement that must follow) or `never { ... }` (forbidden pattern).
// Conditions are boolean expressions over span checks; `.where(...)`
// filters scope attribute tests to a single span.

// Rule is the top-level when-always-never form.
type Rule struct {
	When   *BoolExpr `"when" "{" @@ "}"`
	Always *BoolExpr `( "always" "{" @@ "}" )?`
	Never  *BoolExpr `( "never" "{" @@ "}" )?`
}

// BoolExpr is a disjunction of conjunctions; or binds loosest, then and,
// then not.
type BoolExpr struct {
	First *AndChain   `@@`
	Rest  []*AndChain `( "or" @@ )*`
}

// AndChain is a conjunction of negatable atoms.
type AndChain struct {
	First *Negatable   `@@`
	Rest  []*Negatable `( "and" @@ )*`
}

// Negatable is an atom with an optional leading not.
type Negatable struct {
	Not  bool  `@"not"?`
	Atom *Atom `@@`
}

// Atom is a parenthesized sub-expression, a count comparison, or a span
// match.
type Atom struct {
	Grouped *BoolExpr   `  "(" @@ ")"`
	Count   *CountCheck `| "count" "(" @@`
	Span    *SpanMatch  `| @@`
}

// CountCheck compares the number of spans with an operation name against
// an operand: count(http_retry) > 3, count(a) != count(b).
type CountCheck struct {
	Op       []string `@Ident ( "." @Ident )* ")"`
	Operator string   `@( ">" | ">=" | "<" | "<=" | "==" | "!=" )`
	Right    *Operand `@@`
}

// SpanMatch names an operation (dotted), optionally narrowed by one or
// more .where(...) filters, or by a direct comparison against the
// trailing path segment: payment.amount > 1000.
type SpanMatch struct {
	Path    []string      `@Ident ( "." @Ident )*`
	Filters []*BoolFilter `( ( "." "where" "(" @@ ")" )+`
	Compare *Comparison   `| @@ )?`
}

// Comparison is an operator plus its right-hand operand.
type Comparison struct {
	Operator string   `@( "==" | "!=" | "<=" | ">=" | "<" | ">" | "in" | "matches" | "contains" )`
	Right    *Operand `@@`
}

// BoolFilter is the boolean expression inside one .where(...), scoped to
// the span under test.
type BoolFilter struct {
	First *FilterAnd   `@@`
	Rest  []*FilterAnd `( "or" @@ )*`
}

// FilterAnd is a conjunction of filter terms.
type FilterAnd struct {
	First *FilterTerm   `@@`
	Rest  []*FilterTerm `( "and" @@ )*`
}

// FilterTerm is a grouped sub-filter or an attribute test, optionally
// negated.
type FilterTerm struct {
	Not     bool        `@"not"?`
	Grouped *BoolFilter `(  "(" @@ ")"`
	Attr    *AttrTest   `| @@ )`
}

// AttrTest reads one attribute of the current span. Quoted names carry
// dotted keys ("http.status_code"). A missing comparison reads the
// attribute as a boolean: .where(not verified).
type AttrTest struct {
	Name string      `( @Ident | @String )`
	Cmp  *Comparison `@@?`
}

// Operand produces a value: a literal, a count() expression, or a
// reference to another attribute of the same span.
type Operand struct {
	Lit   *Literal   `  @@`
	Count *CountExpr `| @@`
	Path  []string   `| @Ident ( "." @Ident )*`
}

// CountExpr is count(operation_name) used as a value.
type CountExpr struct {
	Op []string `"count" "(" @Ident ( "." @Ident )* ")"`
}

// Literal values. Bare identifiers serve enum-like values (USD, premium).
type Literal struct {
	Str   *string  `  @String`
	Float *float64 `| @Float`
	Int   *int     `| @Int`
	Bool  *bool    `| ( @"true" | @"false" )`
	Enum  *string  `| @Ident`
	List  []string `| "[" ( @String | @Ident ) ( "," ( @String | @Ident ) )* "]"`
}

var dslLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `[ \t\n\r]+`},
	{Name: "Comment", Pattern: `//[^\n]*`},
	{Name: "Keyword", Pattern: `\b(where|count|and|or|not|in|matches|contains|true|false|when|always|never)\b`},
	{Name: "Float", Pattern: `\d+\.\d+`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "String", Pattern: `"[^"]*"`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Operator", Pattern: `==|!=|<=|>=|<|>`},
	{Name: "Punct", Pattern: `[{}()\[\],.]`},
})

// Parser is the DSL parser
var Parser = participle.MustBuild[Rule](
	participle.Lexer(dslLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.UseLookahead(2),
)

// Parse parses a DSL v2 rule expression
func Parse(input string) (*Rule, error) {
	return Parser.ParseString("", input)
}
