package policy

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// CommandGuard whitelists the command strings the process tool may run.
//
// A candidate passes when it equals a configured entry exactly, or begins
// with an entry followed by a whitespace boundary: entry "df" admits "df"
// and "df -h" but not "dfx". The guard evaluates the literal caller-supplied
// string before any argument splitting. An empty whitelist denies
// everything.
type CommandGuard struct {
	entries []string
}

// NewCommandGuard returns a guard for the given whitelist entries.
func NewCommandGuard(allowedCommands []string) *CommandGuard {
	entries := make([]string, 0, len(allowedCommands))
	for _, entry := range allowedCommands {
		normalized := strings.TrimSpace(entry)
		if normalized == "" {
			continue
		}
		entries = append(entries, normalized)
	}
	return &CommandGuard{entries: entries}
}

// Check evaluates one command string.
func (g *CommandGuard) Check(command string) error {
	candidate := strings.TrimSpace(command)
	if candidate == "" {
		return fmt.Errorf("command is required")
	}

	var entries []string
	if g != nil {
		entries = g.entries
	}
	for _, entry := range entries {
		if candidate == entry {
			return nil
		}
		if strings.HasPrefix(candidate, entry) && startsWithSpace(candidate[len(entry):]) {
			return nil
		}
	}
	return fmt.Errorf("command %q is not whitelisted", candidate)
}

func startsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}
