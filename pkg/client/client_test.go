package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

const (
	fakeToken     = "test-token"
	fakeSessionID = "6a1f2b3c-0000-4000-8000-c0ffee000001"
)

type fakeGateway struct {
	mu               sync.Mutex
	initialized      bool
	notified         bool
	deleted          bool
	failListTools    bool
	lastCallName     string
	lastCallArgs     map[string]any
	lastAuditQuery   string
	notifySessionID  string
	callSessionID    string
	deleteSessionID  string
	initializeParams types.InitializeParams
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ProblemDetail{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func respondRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	encoded, _ := json.Marshal(result)
	respondJSON(w, http.StatusOK, types.RPCResponse{JSONRPC: "2.0", ID: id, Result: encoded})
}

func respondRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	respondJSON(w, http.StatusOK, types.RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &types.RPCError{Code: code, Message: message},
	})
}

func (g *fakeGateway) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/mcp/v1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+fakeToken {
			respondProblem(w, http.StatusUnauthorized, "authentication required")
			return
		}

		switch r.Method {
		case http.MethodGet:
			respondJSON(w, http.StatusOK, types.ProbeInfo{
				Name:             "chamicore-opsgate",
				Version:          "v-test",
				ProtocolVersions: []string{types.ProtocolVersion20241105, types.ProtocolVersion20250326},
			})
		case http.MethodDelete:
			g.mu.Lock()
			alreadyDeleted := g.deleted
			g.deleted = true
			g.deleteSessionID = r.Header.Get(types.SessionIDHeader)
			g.mu.Unlock()
			if alreadyDeleted {
				respondProblem(w, http.StatusNotFound, "session not found")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			g.handleRPC(w, r)
		default:
			respondProblem(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/opsgate/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+fakeToken {
			respondProblem(w, http.StatusUnauthorized, "authentication required")
			return
		}
		g.mu.Lock()
		g.lastAuditQuery = r.URL.RawQuery
		g.mu.Unlock()
		respondJSON(w, http.StatusOK, types.ResourceList[types.AuditEvent]{
			Kind:       "AuditEventList",
			APIVersion: "opsgate/v1",
			Metadata:   types.ListMetadata{Total: 1, Limit: 10, Offset: 0},
			Items: []types.Resource[types.AuditEvent]{
				{
					Kind:       "AuditEvent",
					APIVersion: "opsgate/v1",
					Metadata:   types.Metadata{ID: "evt-1"},
					Spec:       types.AuditEvent{ID: "evt-1", Tool: "fs.file.read", Outcome: "success"},
				},
			},
		})
	})

	return mux
}

func (g *fakeGateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req types.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondRPCError(w, nil, types.RPCParseError, "parse error")
		return
	}

	switch req.Method {
	case "initialize":
		g.mu.Lock()
		g.initialized = true
		_ = json.Unmarshal(req.Params, &g.initializeParams)
		g.mu.Unlock()
		w.Header().Set(types.SessionIDHeader, fakeSessionID)
		respondRPCResult(w, req.ID, types.InitializeResult{
			ProtocolVersion: types.ProtocolVersion20250326,
			Capabilities:    types.ServerCapabilities{Tools: types.ToolsCapability{}},
			ServerInfo:      types.ServerInfo{Name: "chamicore-opsgate", Version: "v-test"},
		})
	case "notifications/initialized":
		g.mu.Lock()
		g.notified = true
		g.notifySessionID = r.Header.Get(types.SessionIDHeader)
		g.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	case "ping":
		respondRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		g.mu.Lock()
		failListTools := g.failListTools
		g.mu.Unlock()
		if failListTools {
			respondRPCError(w, req.ID, types.RPCInternalError, "catalog unavailable")
			return
		}
		respondRPCResult(w, req.ID, types.ListToolsResult{Tools: []types.ToolDescription{
			{Name: "fs.file.read", InputSchema: map[string]any{"type": "object"}},
			{Name: "proc.cmd.run", InputSchema: map[string]any{"type": "object"}},
		}})
	case "tools/call":
		var params types.CallToolParams
		_ = json.Unmarshal(req.Params, &params)
		g.mu.Lock()
		g.lastCallName = params.Name
		g.lastCallArgs = params.Arguments
		g.callSessionID = r.Header.Get(types.SessionIDHeader)
		g.mu.Unlock()
		if params.Name == "fs.file.explode" {
			respondRPCResult(w, req.ID, types.CallToolResult{
				Content: []types.ContentBlock{{Type: "text", Text: "path /boom is outside the allowed roots"}},
				IsError: true,
			})
			return
		}
		respondRPCResult(w, req.ID, types.CallToolResult{
			Content: []types.ContentBlock{{Type: "text", Text: `{"content":"hello"}`}},
			StructuredContent: map[string]any{
				"tool":   params.Name,
				"status": "ok",
			},
		})
	default:
		respondRPCError(w, req.ID, types.RPCMethodNotFound, "unknown method")
	}
}

func newTestClient(t *testing.T, gateway *fakeGateway) *Client {
	t.Helper()
	ts := httptest.NewServer(gateway.handler(t))
	t.Cleanup(ts.Close)

	c, err := New(Config{
		BaseURL:       ts.URL,
		Token:         fakeToken,
		ClientName:    "opsgatectl-test",
		ClientVersion: "0.0.1",
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "BaseURL is required")
}

func TestClient_Probe(t *testing.T) {
	c := newTestClient(t, &fakeGateway{})

	info, err := c.Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, "chamicore-opsgate", info.Name)
	require.Len(t, info.ProtocolVersions, 2)
}

func TestClient_InitializeOpensSession(t *testing.T) {
	gateway := &fakeGateway{}
	c := newTestClient(t, gateway)

	result, err := c.Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ProtocolVersion20250326, result.ProtocolVersion)
	require.Equal(t, fakeSessionID, c.SessionID())
	require.Equal(t, types.ProtocolVersion20250326, c.ProtocolVersion())

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	require.True(t, gateway.initialized)
	require.Equal(t, "opsgatectl-test", gateway.initializeParams.ClientInfo.Name)
	require.True(t, gateway.notified)
	require.Equal(t, fakeSessionID, gateway.notifySessionID)
}

func TestClient_RequiresInitializeFirst(t *testing.T) {
	c := newTestClient(t, &fakeGateway{})

	_, err := c.ListTools(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Initialize")
}

func TestClient_ListToolsAndCallTool(t *testing.T) {
	gateway := &fakeGateway{}
	c := newTestClient(t, gateway)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	require.Equal(t, "fs.file.read", tools[0].Name)

	result, err := c.CallTool(context.Background(), "fs.file.read", map[string]any{"path": "/data/motd"})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content[0].Text, "hello")

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	require.Equal(t, "fs.file.read", gateway.lastCallName)
	require.Equal(t, map[string]any{"path": "/data/motd"}, gateway.lastCallArgs)
	require.Equal(t, fakeSessionID, gateway.callSessionID)
}

func TestClient_CallToolErrorFlaggedResult(t *testing.T) {
	c := newTestClient(t, &fakeGateway{})
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	result, err := c.CallTool(context.Background(), "fs.file.explode", nil)
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, result.Content[0].Text, "outside the allowed roots")
}

func TestClient_ProtocolError(t *testing.T) {
	gateway := &fakeGateway{failListTools: true}
	c := newTestClient(t, gateway)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	_, err = c.ListTools(context.Background())
	require.Error(t, err)
	var protocolErr *ProtocolError
	require.True(t, errors.As(err, &protocolErr))
	require.Equal(t, types.RPCInternalError, protocolErr.Code)
	require.Contains(t, protocolErr.Message, "catalog unavailable")
}

func TestClient_TransportError(t *testing.T) {
	gateway := &fakeGateway{}
	ts := httptest.NewServer(gateway.handler(t))
	t.Cleanup(ts.Close)

	c, err := New(Config{BaseURL: ts.URL, Token: "wrong-token"})
	require.NoError(t, err)

	_, err = c.Probe(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Contains(t, apiErr.Problem.Detail, "authentication required")
}

func TestClient_Close(t *testing.T) {
	gateway := &fakeGateway{}
	c := newTestClient(t, gateway)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.Empty(t, c.SessionID())

	gateway.mu.Lock()
	require.Equal(t, fakeSessionID, gateway.deleteSessionID)
	gateway.mu.Unlock()

	// A second close is a no-op without a session.
	require.NoError(t, c.Close(context.Background()))
}

func TestClient_AuditEvents(t *testing.T) {
	gateway := &fakeGateway{}
	c := newTestClient(t, gateway)

	list, err := c.AuditEvents(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Equal(t, "AuditEventList", list.Kind)
	require.Len(t, list.Items, 1)
	require.Equal(t, "fs.file.read", list.Items[0].Spec.Tool)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	require.Equal(t, "limit=10&offset=0", gateway.lastAuditQuery)
}