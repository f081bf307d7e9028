// Package server implements the opsgate gateway core: the tool registry,
// the authentication gate, the session transport, the per-session protocol
// engine, and the HTTP router that ties them together.
package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const defaultServerName = "chamicore-opsgate"

// ToolSpec represents a single catalog entry of the tool contract.
type ToolSpec struct {
	Name                 string         `yaml:"name" json:"name"`
	Category             string         `yaml:"category" json:"category"`
	Description          string         `yaml:"description,omitempty" json:"description,omitempty"`
	ConfirmationRequired bool           `yaml:"confirmationRequired,omitempty" json:"confirmationRequired,omitempty"`
	InputSchema          map[string]any `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`
}

type toolContract struct {
	Version    string     `yaml:"version"`
	Service    string     `yaml:"service"`
	APIVersion string     `yaml:"apiVersion"`
	Tools      []ToolSpec `yaml:"tools"`
}

// ToolRegistry provides read-only access to the parsed catalog. It is built
// once at boot, before the listener starts, and never mutated afterwards, so
// the read path needs no locking.
type ToolRegistry struct {
	contract toolContract
	byName   map[string]ToolSpec
	schemas  map[string]*jsonschema.Schema
}

// NewToolRegistry parses contract YAML, validates catalog invariants, and
// compiles every declared argument schema. A duplicate tool name is a hard
// error: the contract is static, so a duplicate can only be an authoring
// mistake.
func NewToolRegistry(contractYAML []byte) (*ToolRegistry, error) {
	var parsed toolContract
	if err := yaml.Unmarshal(contractYAML, &parsed); err != nil {
		return nil, fmt.Errorf("decoding tool contract: %w", err)
	}
	if len(parsed.Tools) == 0 {
		return nil, fmt.Errorf("tool contract has no tools")
	}

	byName := make(map[string]ToolSpec, len(parsed.Tools))
	schemas := make(map[string]*jsonschema.Schema, len(parsed.Tools))
	for i, tool := range parsed.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return nil, fmt.Errorf("tool contract contains empty tool name")
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("tool contract contains duplicate tool %q", name)
		}
		tool.Name = name
		tool.Category = strings.TrimSpace(tool.Category)
		if tool.Category == "" {
			return nil, fmt.Errorf("tool %q has empty category", name)
		}
		if tool.InputSchema != nil {
			compiled, err := compileInputSchema(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", name, err)
			}
			schemas[name] = compiled
		}
		byName[name] = tool
		parsed.Tools[i] = tool
	}

	return &ToolRegistry{
		contract: parsed,
		byName:   byName,
		schemas:  schemas,
	}, nil
}

// List returns all registered tools in contract order.
func (r *ToolRegistry) List() []ToolSpec {
	items := make([]ToolSpec, 0, len(r.contract.Tools))
	items = append(items, r.contract.Tools...)
	return items
}

// Lookup returns a tool by name.
func (r *ToolRegistry) Lookup(name string) (ToolSpec, bool) {
	tool, ok := r.byName[strings.TrimSpace(name)]
	return tool, ok
}

// ValidateArguments checks args against the tool's compiled input schema.
// Tools without a declared schema accept any argument object.
func (r *ToolRegistry) ValidateArguments(name string, args map[string]any) error {
	schema, ok := r.schemas[strings.TrimSpace(name)]
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(normalizeArguments(args)); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}

func compileInputSchema(schema map[string]any) (*jsonschema.Schema, error) {
	// Contract schemas arrive from YAML; round-trip through JSON so the
	// compiler sees canonical JSON value types.
	encoded, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding input schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("decoding input schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding input schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling input schema: %w", err)
	}
	return compiled, nil
}

func normalizeArguments(args map[string]any) any {
	encoded, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return args
	}
	return doc
}
