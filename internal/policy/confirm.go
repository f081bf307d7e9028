package policy

import (
	"fmt"
	"strings"
)

// RequireConfirmation enforces explicit confirm=true for mutating tools.
// Confirmation is demanded when the catalog flags the tool, or when its
// name marks it as a write or reboot operation.
func RequireConfirmation(toolName string, confirmationRequired bool, args map[string]any) error {
	name := strings.TrimSpace(toolName)
	if name == "" {
		return nil
	}

	required, reason := confirmationRequirement(name, confirmationRequired)
	if !required {
		return nil
	}
	if hasConfirmTrue(args) {
		return nil
	}
	return fmt.Errorf("tool %s requires confirm=true %s", name, reason)
}

func confirmationRequirement(toolName string, confirmationRequired bool) (bool, string) {
	switch {
	case strings.HasSuffix(toolName, ".write"):
		return true, "for write operations"
	case strings.HasSuffix(toolName, ".reboot"):
		return true, "for reboot operations"
	case confirmationRequired:
		return true, "for mutating operations"
	}
	return false, ""
}

func hasConfirmTrue(args map[string]any) bool {
	if args == nil {
		return false
	}
	value, ok := args["confirm"]
	if !ok {
		return false
	}
	confirm, ok := value.(bool)
	return ok && confirm
}
