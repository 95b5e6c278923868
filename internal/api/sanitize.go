package api

import (
	"fmt"
	"regexp"
	"strings"
)

// Author-provided text is screened before it enters the registry. The rule
// DSL has no legitimate use for markup, SQL, LDAP filters, or shell
// metacharacters, so any hit is rejected with a 4xx.

var (
	xssPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\s*script`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)on(?:error|load|click|mouseover)\s*=`),
		regexp.MustCompile(`(?i)<\s*iframe`),
		regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	}

	sqlPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bunion\s+select\b`),
		regexp.MustCompile(`(?i)\bdrop\s+table\b`),
		regexp.MustCompile(`(?i)\binsert\s+into\b`),
		regexp.MustCompile(`(?i)\bdelete\s+from\b`),
		regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`),
		regexp.MustCompile(`;\s*--`),
	}

	ldapPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\(\s*[&|]\s*\(`),
		regexp.MustCompile(`(?i)\)\s*\(\s*objectclass\s*=`),
	}

	shellMetachars = regexp.MustCompile("[;`$\\\\]|\\|\\||&&|\\$\\(")
)

// sanitizeText screens free-form author text (names, descriptions) against
// every pattern class.
func sanitizeText(field, text string) error {
	if err := screen(field, text, xssPatterns, "markup"); err != nil {
		return err
	}
	if err := screen(field, text, sqlPatterns, "SQL"); err != nil {
		return err
	}
	if err := screen(field, text, ldapPatterns, "LDAP filter"); err != nil {
		return err
	}
	if shellMetachars.MatchString(text) {
		return fmt.Errorf("%s contains shell metacharacters", field)
	}
	return nil
}

// sanitizeExpression screens DSL text. Parentheses and comparison operators
// are legitimate DSL syntax, so only injection phrases are screened here;
// the parser rejects everything else.
func sanitizeExpression(expression string) error {
	if err := screen("expression", expression, xssPatterns, "markup"); err != nil {
		return err
	}
	if err := screen("expression", expression, sqlPatterns, "SQL"); err != nil {
		return err
	}
	if strings.ContainsAny(expression, "`$;") {
		return fmt.Errorf("expression contains shell metacharacters")
	}
	return nil
}

func screen(field, text string, patterns []*regexp.Regexp, kind string) error {
	for _, p := range patterns {
		if p.MatchString(text) {
			return fmt.Errorf("%s contains %s injection pattern", field, kind)
		}
	}
	return nil
}
