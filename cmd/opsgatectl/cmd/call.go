package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	callArgs     []string
	callArgsJSON string
	callConfirm  bool
)

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Invoke one tool through a protocol session",
	Long: `Invoke one tool through a protocol session.

Arguments are passed as repeated --arg key=value pairs. Values are decoded
as JSON when possible (numbers, booleans, objects) and fall back to plain
strings. Alternatively, --args-json takes the whole argument object at once.
Mutating tools additionally need --confirm.`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringArrayVar(&callArgs, "arg", nil, "tool argument as key=value (repeatable)")
	callCmd.Flags().StringVar(&callArgsJSON, "args-json", "", "tool arguments as a JSON object")
	callCmd.Flags().BoolVar(&callConfirm, "confirm", false, "acknowledge a mutating tool")
}

func runCall(cmd *cobra.Command, args []string) error {
	name := args[0]
	toolArgs, err := collectToolArgs()
	if err != nil {
		return err
	}

	c, cleanup, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := c.CallTool(cmd.Context(), name, toolArgs)
	if err != nil {
		return err
	}

	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
			return err
		}
	} else {
		for _, block := range result.Content {
			fmt.Println(block.Text)
		}
	}
	if result.IsError {
		return fmt.Errorf("tool %s returned an error", name)
	}
	return nil
}

func collectToolArgs() (map[string]any, error) {
	toolArgs := map[string]any{}
	if callArgsJSON != "" {
		if err := json.Unmarshal([]byte(callArgsJSON), &toolArgs); err != nil {
			return nil, fmt.Errorf("parsing --args-json: %w", err)
		}
	}
	for _, raw := range callArgs {
		key, value, err := parseToolArg(raw)
		if err != nil {
			return nil, err
		}
		toolArgs[key] = value
	}
	if callConfirm {
		toolArgs["confirm"] = true
	}
	if len(toolArgs) == 0 {
		return nil, nil
	}
	return toolArgs, nil
}

func parseToolArg(raw string) (string, any, error) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("argument %q is not in key=value form", raw)
	}

	var typed any
	if err := json.Unmarshal([]byte(value), &typed); err != nil {
		return key, value, nil
	}
	return key, typed, nil
}
