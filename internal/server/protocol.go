package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-opsgate/internal/audit"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/httputil"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/policy"
	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

// ToolCaller executes one registered tool by name.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// statusCoder is implemented by tool errors that carry an HTTP-like status.
type statusCoder interface {
	StatusCode() int
}

// Engine answers protocol messages. Protocol-level faults (unparseable
// message, unknown method) become JSON-RPC errors; tool-level faults
// (unknown tool, rejected arguments, policy denials, execution failures)
// become error-flagged tool results so a misbehaving call never looks like
// a broken conversation.
type Engine struct {
	registry *ToolRegistry
	caller   ToolCaller
	sessions *SessionStore
	audit    *audit.Logger
	version  string
	logger   zerolog.Logger
}

// NewEngine creates the protocol engine.
func NewEngine(
	registry *ToolRegistry,
	caller ToolCaller,
	sessions *SessionStore,
	auditLogger *audit.Logger,
	version string,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		registry: registry,
		caller:   caller,
		sessions: sessions,
		audit:    auditLogger,
		version:  version,
		logger:   logger.With().Str("component", "protocol").Logger(),
	}
}

// Initialize negotiates a protocol version, creates a session bound to the
// caller, and returns it together with the initialize response.
func (e *Engine) Initialize(req types.RPCRequest, principal SessionPrincipal) (Session, *types.RPCResponse) {
	var params types.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return Session{}, rpcErrorResponse(req.ID, types.RPCInvalidParams, "invalid initialize params: "+err.Error())
		}
	}

	version := negotiateProtocolVersion(params.ProtocolVersion)
	sess := e.sessions.Create(version, params.ClientInfo.Name, params.ClientInfo.Version, principal.Subject)
	e.logger.Info().
		Str("session_id", sess.ID).
		Str("protocol_version", version).
		Str("client_name", params.ClientInfo.Name).
		Str("client_version", params.ClientInfo.Version).
		Int("active_sessions", e.sessions.Len()).
		Msg("session initialized")

	result := types.InitializeResult{
		ProtocolVersion: version,
		Capabilities: types.ServerCapabilities{
			Tools: types.ToolsCapability{ListChanged: false},
		},
		ServerInfo: types.ServerInfo{
			Name:    defaultServerName,
			Version: e.version,
		},
	}
	return sess, rpcResult(req.ID, result)
}

// Handle answers one message for an established session. Notifications
// return nil: they have no response body.
func (e *Engine) Handle(ctx context.Context, sess Session, principal SessionPrincipal, req types.RPCRequest) *types.RPCResponse {
	if len(req.ID) == 0 {
		if req.Method == "notifications/initialized" {
			e.logger.Debug().Str("session_id", sess.ID).Msg("client reported initialized")
		} else {
			e.logger.Debug().Str("session_id", sess.ID).Str("method", req.Method).Msg("ignoring notification")
		}
		return nil
	}

	switch req.Method {
	case "initialize":
		return rpcErrorResponse(req.ID, types.RPCInvalidRequest, "session is already initialized")
	case "ping":
		return rpcResult(req.ID, map[string]any{})
	case "tools/list":
		return rpcResult(req.ID, types.ListToolsResult{Tools: e.toolDescriptions()})
	case "tools/call":
		return e.handleToolsCall(ctx, sess, principal, req)
	default:
		return rpcErrorResponse(req.ID, types.RPCMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (e *Engine) toolDescriptions() []types.ToolDescription {
	catalog := e.registry.List()
	tools := make([]types.ToolDescription, 0, len(catalog))
	for _, tool := range catalog {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, types.ToolDescription{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return tools
}

func (e *Engine) handleToolsCall(ctx context.Context, sess Session, principal SessionPrincipal, req types.RPCRequest) (resp *types.RPCResponse) {
	if len(req.Params) == 0 {
		return rpcErrorResponse(req.ID, types.RPCInvalidParams, "tools/call requires params")
	}
	var params types.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcErrorResponse(req.ID, types.RPCInvalidParams, "invalid tools/call params: "+err.Error())
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return rpcErrorResponse(req.ID, types.RPCInvalidParams, "tool name is required")
	}

	started := time.Now()
	completion := audit.ToolCallCompletion{
		RequestID: httputil.RequestIDFromContext(ctx),
		SessionID: sess.ID,
		ToolName:  name,
		CallerSub: principal.Subject,
		Arguments: params.Arguments,
		Result:    "error",
	}
	defer func() {
		completion.Duration = time.Since(started)
		e.audit.Complete(ctx, completion)
	}()
	// A handler panic is contained to this call: the session stays open and
	// the caller sees an error-flagged result.
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error().
				Str("session_id", sess.ID).
				Str("tool", name).
				Interface("panic", rec).
				Msg("tool handler panicked")
			completion.ErrorDetail = "tool execution failed"
			completion.ResponseCode = http.StatusInternalServerError
			resp = rpcResult(req.ID, toolCallResultFromError(name, http.StatusInternalServerError, "tool execution failed"))
		}
	}()

	tool, ok := e.registry.Lookup(name)
	if !ok {
		completion.ErrorDetail = "unknown tool"
		completion.ResponseCode = http.StatusNotFound
		return rpcResult(req.ID, toolCallResultFromError(name, http.StatusNotFound, fmt.Sprintf("unknown tool %s", name)))
	}
	if err := e.registry.ValidateArguments(name, params.Arguments); err != nil {
		completion.ErrorDetail = err.Error()
		completion.ResponseCode = http.StatusBadRequest
		return rpcResult(req.ID, toolCallResultFromError(name, http.StatusBadRequest, err.Error()))
	}
	if err := policy.RequireConfirmation(name, tool.ConfirmationRequired, params.Arguments); err != nil {
		completion.Result = "denied"
		completion.ErrorDetail = err.Error()
		completion.ResponseCode = http.StatusForbidden
		return rpcResult(req.ID, toolCallResultFromError(name, http.StatusForbidden, err.Error()))
	}

	payload, err := e.caller.Call(ctx, name, params.Arguments)
	if err != nil {
		status := toolErrorStatus(err)
		message := toolErrorMessage(err)
		if status == http.StatusForbidden {
			completion.Result = "denied"
		}
		completion.ErrorDetail = message
		completion.ResponseCode = status
		e.logger.Debug().
			Str("session_id", sess.ID).
			Str("tool", name).
			Int("status", status).
			Msg("tool call failed")
		return rpcResult(req.ID, toolCallResultFromError(name, status, message))
	}

	completion.Result = "success"
	completion.ErrorDetail = ""
	completion.ResponseCode = http.StatusOK
	return rpcResult(req.ID, toolCallResultFromExecution(name, payload))
}

// toolCallResultFromExecution wraps a successful tool payload in the result
// envelope. The text block carries the JSON rendering for clients that only
// read text content.
func toolCallResultFromExecution(name string, payload map[string]any) types.CallToolResult {
	structured := map[string]any{
		"tool":   name,
		"status": "ok",
		"result": payload,
	}
	return types.CallToolResult{
		Content: []types.ContentBlock{
			{Type: "text", Text: renderResultText(name, payload)},
		},
		StructuredContent: structured,
	}
}

// toolCallResultFromError wraps a tool failure in an error-flagged result.
func toolCallResultFromError(name string, status int, message string) types.CallToolResult {
	structured := map[string]any{
		"tool":   name,
		"status": "error",
		"error": map[string]any{
			"status":  status,
			"message": message,
		},
	}
	return types.CallToolResult{
		Content: []types.ContentBlock{
			{Type: "text", Text: message},
		},
		StructuredContent: structured,
		IsError:           true,
	}
}

func renderResultText(name string, payload map[string]any) string {
	if len(payload) == 0 {
		return fmt.Sprintf("tool %s executed", name)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("tool %s executed", name)
	}
	return string(encoded)
}

// toolErrorStatus maps a tool error to an HTTP-like status for the result
// envelope. Errors without a usable status code report as 500.
func toolErrorStatus(err error) int {
	var coder statusCoder
	if errors.As(err, &coder) {
		status := coder.StatusCode()
		if status >= 400 && status < 600 {
			return status
		}
	}
	return http.StatusInternalServerError
}

func toolErrorMessage(err error) string {
	if err == nil {
		return "tool execution failed"
	}
	message := strings.TrimSpace(err.Error())
	if message == "" {
		return "tool execution failed"
	}
	return message
}

func negotiateProtocolVersion(requested string) string {
	switch strings.TrimSpace(requested) {
	case types.ProtocolVersion20241105:
		return types.ProtocolVersion20241105
	default:
		return types.ProtocolVersion20250326
	}
}

func rpcResult(id json.RawMessage, result any) *types.RPCResponse {
	encoded, err := json.Marshal(result)
	if err != nil {
		return rpcErrorResponse(id, types.RPCInternalError, "encoding result failed")
	}
	return &types.RPCResponse{JSONRPC: "2.0", ID: id, Result: encoded}
}

func rpcErrorResponse(id json.RawMessage, code int, message string) *types.RPCResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &types.RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &types.RPCError{Code: code, Message: message},
	}
}
