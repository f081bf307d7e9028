// Package client provides a typed Go client for the opsgate gateway: the
// streamable protocol endpoint plus the audit listing API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultClientName = "chamicore-opsgate-client"

	protocolPath = "/mcp/v1"
	auditPath    = "/opsgate/v1/audit"

	maxErrorBodySize = 64 * 1024
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the root URL of the gateway (for example: http://localhost:27790).
	BaseURL string
	// Token is the shared gateway secret presented as a bearer token.
	Token string
	// ClientName and ClientVersion identify this client during initialize.
	ClientName    string
	ClientVersion string
	// Timeout is the per-request timeout. Defaults to 30s.
	Timeout time.Duration
	// HTTPClient is an optional custom http.Client. If nil, a default is used.
	HTTPClient *http.Client
}

// Client speaks the opsgate protocol. It is safe for concurrent use; all
// calls after Initialize share one session.
type Client struct {
	baseURL       string
	token         string
	clientName    string
	clientVersion string
	httpClient    *http.Client

	mu              sync.Mutex
	seq             int64
	sessionID       string
	protocolVersion string
}

// APIError is returned when the gateway rejects a request at the transport
// level, outside a protocol conversation.
type APIError struct {
	StatusCode int
	Problem    types.ProblemDetail
}

func (e *APIError) Error() string {
	detail := e.Problem.Detail
	if detail == "" {
		detail = e.Problem.Title
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, detail)
}

// ProtocolError is returned when the gateway answers a request with a
// JSON-RPC error.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// New creates a gateway client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("client: BaseURL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	clientName := strings.TrimSpace(cfg.ClientName)
	if clientName == "" {
		clientName = defaultClientName
	}

	return &Client{
		baseURL:       baseURL,
		token:         strings.TrimSpace(cfg.Token),
		clientName:    clientName,
		clientVersion: strings.TrimSpace(cfg.ClientVersion),
		httpClient:    httpClient,
	}, nil
}

// SessionID returns the current session identifier, or an empty string
// before Initialize.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ProtocolVersion returns the negotiated protocol version, or an empty
// string before Initialize.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// Probe fetches gateway identity without opening a session.
func (c *Client) Probe(ctx context.Context) (types.ProbeInfo, error) {
	var info types.ProbeInfo
	if err := c.getJSON(ctx, protocolPath, &info); err != nil {
		return types.ProbeInfo{}, fmt.Errorf("probing gateway: %w", err)
	}
	return info, nil
}

// Initialize opens a session and reports the negotiated protocol details.
func (c *Client) Initialize(ctx context.Context) (types.InitializeResult, error) {
	req := c.newRequest("initialize", types.InitializeParams{
		ProtocolVersion: types.ProtocolVersion20250326,
		ClientInfo: types.ClientInfo{
			Name:    c.clientName,
			Version: c.clientVersion,
		},
	})

	resp, header, err := c.doRPC(ctx, req)
	if err != nil {
		return types.InitializeResult{}, fmt.Errorf("initializing session: %w", err)
	}
	if resp.Error != nil {
		return types.InitializeResult{}, &ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	sessionID := strings.TrimSpace(header.Get(types.SessionIDHeader))
	if sessionID == "" {
		return types.InitializeResult{}, fmt.Errorf("initializing session: gateway did not issue a %s header", types.SessionIDHeader)
	}

	var result types.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return types.InitializeResult{}, fmt.Errorf("decoding initialize result: %w", err)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.protocolVersion = result.ProtocolVersion
	c.mu.Unlock()

	if _, _, err := c.doRPC(ctx, types.RPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return types.InitializeResult{}, fmt.Errorf("confirming initialization: %w", err)
	}
	return result, nil
}

// Ping checks that the session is still routable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if err := c.call(ctx, "ping", nil, nil); err != nil {
		return fmt.Errorf("pinging session: %w", err)
	}
	return nil
}

// ListTools returns the gateway tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]types.ToolDescription, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	var result types.ListToolsResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool. Tool-level failures come back as an
// error-flagged result, not as a Go error; inspect result.IsError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (types.CallToolResult, error) {
	if err := c.requireSession(); err != nil {
		return types.CallToolResult{}, err
	}
	var result types.CallToolResult
	if err := c.call(ctx, "tools/call", types.CallToolParams{Name: name, Arguments: args}, &result); err != nil {
		return types.CallToolResult{}, fmt.Errorf("calling tool %q: %w", name, err)
	}
	return result, nil
}

// Close tears the session down. Closing a session the gateway no longer
// knows is not an error; the goal state is reached either way.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+protocolPath, nil)
	if err != nil {
		return fmt.Errorf("building teardown request: %w", err)
	}
	c.setHeaders(httpReq, sessionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("tearing down session: %w", err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
	default:
		return fmt.Errorf("tearing down session: %w", apiErrorFromResponse(resp))
	}

	c.mu.Lock()
	c.sessionID = ""
	c.protocolVersion = ""
	c.mu.Unlock()
	return nil
}

// AuditEvents lists recorded tool invocations, newest first.
func (c *Client) AuditEvents(ctx context.Context, limit, offset int) (types.ResourceList[types.AuditEvent], error) {
	path := fmt.Sprintf("%s?limit=%d&offset=%d", auditPath, limit, offset)
	var list types.ResourceList[types.AuditEvent]
	if err := c.getJSON(ctx, path, &list); err != nil {
		return types.ResourceList[types.AuditEvent]{}, fmt.Errorf("listing audit events: %w", err)
	}
	return list, nil
}

func (c *Client) requireSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return fmt.Errorf("client has no active session; call Initialize first")
	}
	return nil
}

func (c *Client) newRequest(method string, params any) types.RPCRequest {
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.mu.Unlock()

	req := types.RPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
	}
	if params != nil {
		if encoded, err := json.Marshal(params); err == nil {
			req.Params = encoded
		}
	}
	return req
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	resp, _, err := c.doRPC(ctx, c.newRequest(method, params))
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// doRPC posts one protocol message. Notifications resolve to a nil response.
func (c *Client) doRPC(ctx context.Context, req types.RPCRequest) (*types.RPCResponse, http.Header, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+protocolPath, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	c.setHeaders(httpReq, sessionID)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil, resp.Header, nil
	case http.StatusOK:
	default:
		return nil, resp.Header, apiErrorFromResponse(resp)
	}

	var decoded types.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, resp.Header, fmt.Errorf("decoding response: %w", err)
	}
	return &decoded, resp.Header, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	c.setHeaders(httpReq, sessionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return apiErrorFromResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, sessionID string) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if sessionID != "" {
		req.Header.Set(types.SessionIDHeader, sessionID)
	}
}

func apiErrorFromResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err == nil && len(body) > 0 {
		var problem types.ProblemDetail
		if jsonErr := json.Unmarshal(body, &problem); jsonErr == nil {
			apiErr.Problem = problem
		} else {
			apiErr.Problem = types.ProblemDetail{
				Title:  http.StatusText(resp.StatusCode),
				Status: resp.StatusCode,
				Detail: strings.TrimSpace(string(body)),
			}
		}
	}
	return apiErr
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodySize))
	_ = body.Close()
}
