package policy

import (
	"fmt"
	"strings"
)

// defaultForbiddenKeywords is the built-in mutating/DDL deny list applied
// when no override is configured.
var defaultForbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create", "replace",
	"truncate", "attach", "detach", "pragma", "vacuum", "reindex",
	"grant", "revoke",
}

// StatementGuard admits only read-only SQL text.
//
// The check is a conservative substring screen, not a parser: the
// case-folded, trimmed statement must begin with SELECT or WITH, and any
// forbidden keyword appearing anywhere in the text causes a denial, string
// literals included. False positives are accepted.
type StatementGuard struct {
	forbidden []string
}

// NewStatementGuard returns a guard using keywords as the deny list, or the
// built-in list when keywords is empty.
func NewStatementGuard(keywords []string) *StatementGuard {
	normalized := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		folded := strings.ToLower(strings.TrimSpace(keyword))
		if folded == "" {
			continue
		}
		normalized = append(normalized, folded)
	}
	if len(normalized) == 0 {
		normalized = append(normalized, defaultForbiddenKeywords...)
	}
	return &StatementGuard{forbidden: normalized}
}

// Check evaluates one statement.
func (g *StatementGuard) Check(statement string) error {
	normalized := strings.ToLower(strings.TrimSpace(statement))
	if normalized == "" {
		return fmt.Errorf("query is required")
	}
	if !strings.HasPrefix(normalized, "select") && !strings.HasPrefix(normalized, "with") {
		return fmt.Errorf("only read-only queries are permitted")
	}

	var forbidden []string
	if g != nil {
		forbidden = g.forbidden
	}
	for _, keyword := range forbidden {
		if strings.Contains(normalized, keyword) {
			return fmt.Errorf("query contains forbidden keyword %q", keyword)
		}
	}
	return nil
}
