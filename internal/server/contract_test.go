package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testContract = `
version: "1.0"
service: chamicore-opsgate
apiVersion: v1
tools:
  - name: fs.file.read
    category: filesystem
    description: Read a file from an allowed root.
    inputSchema:
      type: object
      required: [path]
      properties:
        path:
          type: string
      additionalProperties: false
  - name: proc.cmd.run
    category: process
    description: Run a whitelisted command.
    inputSchema:
      type: object
      required: [command]
      properties:
        command:
          type: string
        timeoutSeconds:
          type: integer
          minimum: 1
          maximum: 120
      additionalProperties: false
  - name: device.power.reboot
    category: device
    description: Reboot a managed node.
    confirmationRequired: true
`

func TestNewToolRegistry_Valid(t *testing.T) {
	registry, err := NewToolRegistry([]byte(testContract))
	require.NoError(t, err)

	tools := registry.List()
	require.Len(t, tools, 3)
	require.Equal(t, "fs.file.read", tools[0].Name)
	require.Equal(t, "proc.cmd.run", tools[1].Name)
	require.Equal(t, "device.power.reboot", tools[2].Name)
	require.True(t, tools[2].ConfirmationRequired)
}

func TestNewToolRegistry_DuplicateName(t *testing.T) {
	contract := `
tools:
  - name: fs.file.read
    category: filesystem
  - name: fs.file.read
    category: filesystem
`
	_, err := NewToolRegistry([]byte(contract))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate tool")
}

func TestNewToolRegistry_EmptyName(t *testing.T) {
	contract := `
tools:
  - name: "  "
    category: filesystem
`
	_, err := NewToolRegistry([]byte(contract))
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty tool name")
}

func TestNewToolRegistry_EmptyCategory(t *testing.T) {
	contract := `
tools:
  - name: fs.file.read
`
	_, err := NewToolRegistry([]byte(contract))
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty category")
}

func TestNewToolRegistry_NoTools(t *testing.T) {
	_, err := NewToolRegistry([]byte(`service: chamicore-opsgate`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no tools")
}

func TestNewToolRegistry_BadSchema(t *testing.T) {
	contract := `
tools:
  - name: fs.file.read
    category: filesystem
    inputSchema:
      type: 12
`
	_, err := NewToolRegistry([]byte(contract))
	require.Error(t, err)
	require.Contains(t, err.Error(), "fs.file.read")
}

func TestRegistry_Lookup(t *testing.T) {
	registry, err := NewToolRegistry([]byte(testContract))
	require.NoError(t, err)

	tool, ok := registry.Lookup("proc.cmd.run")
	require.True(t, ok)
	require.Equal(t, "process", tool.Category)

	_, ok = registry.Lookup("no.such.tool")
	require.False(t, ok)
}

func TestRegistry_ValidateArguments(t *testing.T) {
	registry, err := NewToolRegistry([]byte(testContract))
	require.NoError(t, err)

	err = registry.ValidateArguments("fs.file.read", map[string]any{"path": "/data/motd"})
	require.NoError(t, err)

	err = registry.ValidateArguments("fs.file.read", nil)
	require.Error(t, err)

	err = registry.ValidateArguments("fs.file.read", map[string]any{"path": 42})
	require.Error(t, err)

	err = registry.ValidateArguments("fs.file.read", map[string]any{"path": "/data/motd", "mode": "raw"})
	require.Error(t, err)

	err = registry.ValidateArguments("proc.cmd.run", map[string]any{"command": "df -h", "timeoutSeconds": 30})
	require.NoError(t, err)

	err = registry.ValidateArguments("proc.cmd.run", map[string]any{"command": "df -h", "timeoutSeconds": 600})
	require.Error(t, err)
}

func TestRegistry_ValidateArguments_NoSchema(t *testing.T) {
	registry, err := NewToolRegistry([]byte(testContract))
	require.NoError(t, err)

	err = registry.ValidateArguments("device.power.reboot", map[string]any{"anything": true})
	require.NoError(t, err)
}
