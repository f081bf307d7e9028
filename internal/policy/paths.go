// Package policy defines the security guards consulted before any tool
// touches its underlying resource: path containment, command whitelisting,
// and read-only statement filtering. Guards are built once at boot from
// process-wide configuration and are safe for unbounded concurrent use.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathGuard confines filesystem access to configured absolute roots.
//
// Containment is judged on the lexically canonical form of the candidate
// (absolute, dot segments resolved); symlinks are not followed. An empty
// allowlist denies every candidate.
type PathGuard struct {
	roots []string
}

// NewPathGuard validates the allowlist and returns a guard. Entries must be
// absolute paths.
func NewPathGuard(allowedPaths []string) (*PathGuard, error) {
	roots := make([]string, 0, len(allowedPaths))
	for _, entry := range allowedPaths {
		normalized := strings.TrimSpace(entry)
		if normalized == "" {
			continue
		}
		if !filepath.IsAbs(normalized) {
			return nil, fmt.Errorf("allowed path %q is not absolute", entry)
		}
		roots = append(roots, filepath.Clean(normalized))
	}
	return &PathGuard{roots: roots}, nil
}

// Resolve canonicalizes candidate and checks containment. It returns the
// resolved path, which handlers must use for the actual operation in place
// of the caller-supplied string.
func (g *PathGuard) Resolve(candidate string) (string, error) {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return "", fmt.Errorf("path is required")
	}

	resolved, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", candidate, err)
	}
	resolved = filepath.Clean(resolved)

	var roots []string
	if g != nil {
		roots = g.roots
	}
	for _, root := range roots {
		if pathWithinRoot(resolved, root) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %s is not within an allowed root", resolved)
}

// Check evaluates containment without returning the resolved form.
func (g *PathGuard) Check(candidate string) error {
	_, err := g.Resolve(candidate)
	return err
}

func pathWithinRoot(resolved, root string) bool {
	if resolved == root {
		return true
	}
	if root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(resolved, root+string(filepath.Separator))
}
