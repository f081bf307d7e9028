// Package tools executes opsgate tool calls against the local host and the
// device controller, behind the policy guards.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"git.cscs.ch/openchami/chamicore-opsgate/internal/devices"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/policy"
	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

const (
	defaultExecTimeout = 20 * time.Second
	minExecTimeout     = 1 * time.Second
	maxExecTimeout     = 120 * time.Second

	maxFileBytes   = 1 << 20
	maxOutputBytes = 1 << 20
	maxQueryRows   = 500
	maxDirEntries  = 1000
)

// Config configures the guards and backends for tool execution.
type Config struct {
	AllowedPaths         []string
	AllowedCommands      []string
	ForbiddenSQLKeywords []string
	QueryDBPath          string
	VaultDir             string
	ExecTimeout          time.Duration
}

// Runner executes opsgate tool calls.
type Runner struct {
	paths      *policy.PathGuard
	commands   *policy.CommandGuard
	statements *policy.StatementGuard
	vault      *policy.PathGuard

	queryDBPath string
	vaultDir    string
	execTimeout time.Duration

	devices deviceClient
}

type deviceClient interface {
	PowerStatus(ctx context.Context, node string) (*types.Resource[devices.PowerStatus], error)
	Reboot(ctx context.Context, node string) (*types.Resource[devices.RebootReceipt], error)
}

// ToolError carries an HTTP-style status code and message for tool failures.
type ToolError struct {
	statusCode int
	message    string
}

// Error implements error.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.message)
}

// StatusCode returns the attached status code.
func (e *ToolError) StatusCode() int {
	if e == nil || e.statusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.statusCode
}

// NewRunner creates a tool runner with guards built from cfg. The device
// client may be nil when no controller is configured; device tools then
// report the missing backend instead of panicking.
func NewRunner(cfg Config, dev *devices.Client) (*Runner, error) {
	paths, err := policy.NewPathGuard(cfg.AllowedPaths)
	if err != nil {
		return nil, fmt.Errorf("building path guard: %w", err)
	}

	vaultDir := strings.TrimSpace(cfg.VaultDir)
	var vault *policy.PathGuard
	if vaultDir != "" {
		vault, err = policy.NewPathGuard([]string{vaultDir})
		if err != nil {
			return nil, fmt.Errorf("building vault guard: %w", err)
		}
	}

	timeout := cfg.ExecTimeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	r := &Runner{
		paths:       paths,
		commands:    policy.NewCommandGuard(cfg.AllowedCommands),
		statements:  policy.NewStatementGuard(cfg.ForbiddenSQLKeywords),
		vault:       vault,
		queryDBPath: strings.TrimSpace(cfg.QueryDBPath),
		vaultDir:    vaultDir,
		execTimeout: timeout,
	}
	if dev != nil {
		r.devices = dev
	}
	return r, nil
}

// Tools returns the names the runner can dispatch, in catalog order. The
// boot sequence compares this against the contract so a catalog entry
// without a handler fails fast.
func (r *Runner) Tools() []string {
	return []string{
		"fs.file.read",
		"fs.dir.list",
		"fs.file.write",
		"proc.cmd.run",
		"db.query.run",
		"vault.doc.list",
		"vault.doc.read",
		"vault.doc.search",
		"device.power.status",
		"device.power.reboot",
	}
}

// Call executes one tool by name and returns JSON-like map content.
func (r *Runner) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch strings.TrimSpace(name) {
	case "fs.file.read":
		return r.fsFileRead(ctx, args)
	case "fs.dir.list":
		return r.fsDirList(ctx, args)
	case "fs.file.write":
		return r.fsFileWrite(ctx, args)

	case "proc.cmd.run":
		return r.procCmdRun(ctx, args)

	case "db.query.run":
		return r.dbQueryRun(ctx, args)

	case "vault.doc.list":
		return r.vaultDocList(ctx, args)
	case "vault.doc.read":
		return r.vaultDocRead(ctx, args)
	case "vault.doc.search":
		return r.vaultDocSearch(ctx, args)

	case "device.power.status":
		return r.devicePowerStatus(ctx, args)
	case "device.power.reboot":
		return r.devicePowerReboot(ctx, args)

	default:
		return nil, notFoundErrorf("unknown tool %s", strings.TrimSpace(name))
	}
}

func validationErrorf(format string, args ...any) error {
	return &ToolError{
		statusCode: http.StatusBadRequest,
		message:    fmt.Sprintf(format, args...),
	}
}

func deniedErrorf(format string, args ...any) error {
	return &ToolError{
		statusCode: http.StatusForbidden,
		message:    fmt.Sprintf(format, args...),
	}
}

func notFoundErrorf(format string, args ...any) error {
	return &ToolError{
		statusCode: http.StatusNotFound,
		message:    fmt.Sprintf(format, args...),
	}
}

func unavailableErrorf(format string, args ...any) error {
	return &ToolError{
		statusCode: http.StatusServiceUnavailable,
		message:    fmt.Sprintf(format, args...),
	}
}

func mapExecutionError(err error, fallback string) error {
	if err == nil {
		return nil
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}
	var apiErr *devices.APIError
	if errors.As(err, &apiErr) {
		detail := strings.TrimSpace(apiErr.Problem.Detail)
		if detail == "" {
			detail = strings.TrimSpace(apiErr.Problem.Title)
		}
		if detail == "" {
			detail = fallback
		}
		return &ToolError{
			statusCode: apiErr.StatusCode,
			message:    detail,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ToolError{
			statusCode: http.StatusGatewayTimeout,
			message:    fallback + ": request timed out",
		}
	}
	if errors.Is(err, context.Canceled) {
		return &ToolError{
			statusCode: http.StatusRequestTimeout,
			message:    fallback + ": request canceled",
		}
	}
	return &ToolError{
		statusCode: http.StatusInternalServerError,
		message:    fmt.Sprintf("%s: %v", fallback, err),
	}
}

func decodeArgsStrict(args map[string]any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return validationErrorf("invalid tool arguments: %v", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return validationErrorf("invalid tool arguments: %v", err)
	}
	if decoder.More() {
		return validationErrorf("tool arguments must be a single JSON object")
	}
	return nil
}

func toMap(v any) (map[string]any, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool response: %w", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("decoding tool response: %w", err)
	}
	return decoded, nil
}
