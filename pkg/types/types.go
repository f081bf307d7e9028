// Package types defines public wire payloads for the opsgate API.
package types

import (
	"encoding/json"
	"time"
)

// SessionIDHeader carries the protocol session identifier. The gateway sets
// it on the initialize response; clients echo it on every later request for
// the same conversation.
const SessionIDHeader = "Mcp-Session-Id"

const (
	// ProtocolVersion20241105 is the oldest protocol revision the gateway accepts.
	ProtocolVersion20241105 = "2024-11-05"
	// ProtocolVersion20250326 is the newest protocol revision the gateway accepts.
	ProtocolVersion20250326 = "2025-03-26"
)

// JSON-RPC 2.0 error codes used on the protocol endpoint.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
)

// RPCRequest is one JSON-RPC 2.0 request or notification.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is one JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC 2.0 response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// InitializeParams is the params payload of an initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ClientInfo      ClientInfo     `json:"clientInfo,omitempty"`
}

// ClientInfo identifies the connecting client implementation.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the result payload of a successful initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// ServerCapabilities advertises the feature set the gateway supports.
type ServerCapabilities struct {
	Tools ToolsCapability `json:"tools"`
}

// ToolsCapability describes tool support flags.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerInfo identifies the gateway implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDescription is one catalog entry as advertised by tools/list.
type ToolDescription struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListToolsResult is the result payload of tools/list.
type ListToolsResult struct {
	Tools []ToolDescription `json:"tools"`
}

// CallToolParams is the params payload of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is one typed content element of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the envelope every tool invocation resolves to,
// successful or not.
type CallToolResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// ProbeInfo is the identity payload answered on a sessionless GET to the
// protocol endpoint.
type ProbeInfo struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	ProtocolVersions []string `json:"protocolVersions"`
}

// VersionInfo is the payload of GET /version.
type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
}

// AuditEvent is one recorded tool invocation as served by the audit listing.
type AuditEvent struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	SessionID  string    `json:"sessionID,omitempty"`
	Tool       string    `json:"tool"`
	Outcome    string    `json:"outcome"`
	Subject    string    `json:"subject,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	DurationMS int64     `json:"durationMS"`
}

// Metadata carries resource identity fields.
type Metadata struct {
	ID        string    `json:"id,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// ListMetadata carries pagination fields for list responses.
type ListMetadata struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Resource is the single-item response envelope.
type Resource[T any] struct {
	Kind       string   `json:"kind"`
	APIVersion string   `json:"apiVersion"`
	Metadata   Metadata `json:"metadata"`
	Spec       T        `json:"spec"`
}

// ResourceList is the list response envelope.
type ResourceList[T any] struct {
	Kind       string        `json:"kind"`
	APIVersion string        `json:"apiVersion"`
	Metadata   ListMetadata  `json:"metadata"`
	Items      []Resource[T] `json:"items"`
}

// ProblemDetail is the RFC 7807 error body used outside tool results.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
