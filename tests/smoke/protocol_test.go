//go:build smoke

package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sessionHeader = "Mcp-Session-Id"

func TestSmoke_ProtocolSessionLifecycle(t *testing.T) {
	gw := resolveGateway(t)

	status, header, body, err := postRPC(t.Context(), gw, "", map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"clientInfo":      map[string]any{"name": "smoke-suite", "version": "dev"},
		},
	})
	if err != nil {
		t.Fatalf("initialize call failed: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("initialize status=%d body=%s", status, body)
	}
	sessionID := strings.TrimSpace(header.Get(sessionHeader))
	if sessionID == "" {
		t.Fatalf("initialize did not issue a %s header, body=%s", sessionHeader, body)
	}

	var initParsed struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(body), &initParsed); err != nil {
		t.Fatalf("invalid initialize payload: %v body=%s", err, body)
	}
	if initParsed.Result.ProtocolVersion != "2025-03-26" {
		t.Fatalf("unexpected negotiated protocol version %q", initParsed.Result.ProtocolVersion)
	}

	status, _, body, err = postRPC(t.Context(), gw, sessionID, map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})
	if err != nil {
		t.Fatalf("initialized notification failed: %v", err)
	}
	if status != http.StatusAccepted {
		t.Fatalf("notification should be accepted with 202, got status=%d body=%s", status, body)
	}

	status, _, body, err = postRPC(t.Context(), gw, sessionID, map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	})
	if err != nil {
		t.Fatalf("tools/list call failed: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("tools/list status=%d body=%s", status, body)
	}
	var listParsed struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(body), &listParsed); err != nil {
		t.Fatalf("invalid tools/list payload: %v body=%s", err, body)
	}
	if len(listParsed.Result.Tools) == 0 {
		t.Fatalf("tool catalog is empty, body=%s", body)
	}
	foundRead := false
	for _, tool := range listParsed.Result.Tools {
		if tool.Name == "fs.file.read" {
			foundRead = true
			break
		}
	}
	if !foundRead {
		t.Fatalf("catalog is missing fs.file.read, body=%s", body)
	}

	status, _, body, err = postRPC(t.Context(), gw, sessionID, map[string]any{
		"jsonrpc": "2.0",
		"id":      3,
		"method":  "ping",
	})
	if err != nil {
		t.Fatalf("ping call failed: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("ping status=%d body=%s", status, body)
	}

	status, err = deleteSession(t.Context(), gw, sessionID)
	if err != nil {
		t.Fatalf("session teardown failed: %v", err)
	}
	if status != http.StatusNoContent {
		t.Fatalf("session teardown should answer 204, got status=%d", status)
	}

	status, _, body, err = postRPC(t.Context(), gw, sessionID, map[string]any{
		"jsonrpc": "2.0",
		"id":      4,
		"method":  "ping",
	})
	if err != nil {
		t.Fatalf("post-teardown ping failed: %v", err)
	}
	if status != http.StatusNotFound {
		t.Fatalf("terminated session should answer 404, got status=%d body=%s", status, body)
	}
}

func TestSmoke_ConfirmationGateAndAuditTrail(t *testing.T) {
	gw := resolveGateway(t)
	if gw.dataDir == "" {
		t.Skip("tool flow needs a locally booted gateway with a known data directory")
	}

	seedPath := filepath.Join(gw.dataDir, "motd.txt")
	if err := os.WriteFile(seedPath, []byte("maintenance at 02:00"), 0o644); err != nil {
		t.Fatalf("seeding data file: %v", err)
	}

	sessionID := openSmokeSession(t, gw)

	result := callTool(t, gw, sessionID, "fs.file.read", map[string]any{"path": seedPath})
	if result.isError {
		t.Fatalf("fs.file.read failed: %s", result.text)
	}
	if result.tool != "fs.file.read" || result.status != "ok" {
		t.Fatalf("unexpected structured content: tool=%q status=%q", result.tool, result.status)
	}
	if !strings.Contains(result.text, "maintenance at 02:00") {
		t.Fatalf("read result missing seeded content: %s", result.text)
	}

	result = callTool(t, gw, sessionID, "fs.file.write", map[string]any{
		"path":    seedPath,
		"content": "rebooting soon",
	})
	if !result.isError {
		t.Fatalf("unconfirmed write should be denied: %s", result.text)
	}
	if !strings.Contains(strings.ToLower(result.text), "confirm") {
		t.Fatalf("denial did not mention confirmation: %s", result.text)
	}

	result = callTool(t, gw, sessionID, "fs.file.write", map[string]any{
		"path":    seedPath,
		"content": "rebooting soon",
		"confirm": true,
	})
	if result.isError {
		t.Fatalf("confirmed write failed: %s", result.text)
	}

	onDisk, err := os.ReadFile(seedPath)
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(onDisk) != "rebooting soon" {
		t.Fatalf("unexpected file content after write: %q", string(onDisk))
	}

	events := listAuditEvents(t, gw)
	if events.Metadata.Total < 3 {
		t.Fatalf("expected at least 3 audit events, got %d", events.Metadata.Total)
	}
	if len(events.Items) == 0 || events.Items[0].Spec.Tool != "fs.file.write" {
		t.Fatalf("newest audit event should be the confirmed write, got %+v", events.Items)
	}
	outcomes := map[string]bool{}
	for _, item := range events.Items {
		outcomes[item.Spec.Outcome] = true
	}
	if !outcomes["success"] || !outcomes["denied"] {
		t.Fatalf("audit trail should record both successes and denials, got %v", outcomes)
	}
}

func openSmokeSession(t *testing.T, gw gatewayFixture) string {
	t.Helper()

	status, header, body, err := postRPC(t.Context(), gw, "", map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"clientInfo":      map[string]any{"name": "smoke-suite", "version": "dev"},
		},
	})
	if err != nil {
		t.Fatalf("initialize call failed: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("initialize status=%d body=%s", status, body)
	}
	sessionID := strings.TrimSpace(header.Get(sessionHeader))
	if sessionID == "" {
		t.Fatalf("initialize did not issue a %s header", sessionHeader)
	}
	return sessionID
}

type toolCallOutcome struct {
	isError bool
	text    string
	tool    string
	status  string
}

func callTool(t *testing.T, gw gatewayFixture, sessionID, name string, args map[string]any) toolCallOutcome {
	t.Helper()

	status, _, body, err := postRPC(t.Context(), gw, sessionID, map[string]any{
		"jsonrpc": "2.0",
		"id":      10,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	if err != nil {
		t.Fatalf("calling %s: %v", name, err)
	}
	if status != http.StatusOK {
		t.Fatalf("tools/call %s status=%d body=%s", name, status, body)
	}

	var parsed struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			StructuredContent map[string]any `json:"structuredContent"`
			IsError           bool           `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("invalid tools/call payload: %v body=%s", err, body)
	}
	if parsed.Error != nil {
		t.Fatalf("tools/call %s returned rpc error %d: %s", name, parsed.Error.Code, parsed.Error.Message)
	}

	out := toolCallOutcome{isError: parsed.Result.IsError}
	if len(parsed.Result.Content) > 0 {
		out.text = parsed.Result.Content[0].Text
	}
	out.tool, _ = parsed.Result.StructuredContent["tool"].(string)
	out.status, _ = parsed.Result.StructuredContent["status"].(string)
	return out
}

type auditListing struct {
	Metadata struct {
		Total int `json:"total"`
	} `json:"metadata"`
	Items []struct {
		Spec struct {
			Tool    string `json:"tool"`
			Outcome string `json:"outcome"`
		} `json:"spec"`
	} `json:"items"`
}

func listAuditEvents(t *testing.T, gw gatewayFixture) auditListing {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, gw.baseURL+"/opsgate/v1/audit?limit=20&offset=0", nil)
	if err != nil {
		t.Fatalf("creating audit request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+gw.token)

	resp, err := (&http.Client{Timeout: 8 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("executing audit request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		t.Fatalf("reading audit response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit listing status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var listing auditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("invalid audit payload: %v body=%s", err, string(body))
	}
	return listing
}

func postRPC(ctx context.Context, gw gatewayFixture, sessionID string, payload map[string]any) (int, http.Header, string, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, "", fmt.Errorf("encoding rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gw.baseURL+"/mcp/v1", bytes.NewReader(requestBody))
	if err != nil {
		return 0, nil, "", fmt.Errorf("creating rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+gw.token)
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := (&http.Client{Timeout: 8 * time.Second}).Do(req)
	if err != nil {
		return 0, nil, "", fmt.Errorf("executing rpc request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, resp.Header, "", fmt.Errorf("reading rpc response: %w", err)
	}
	return resp.StatusCode, resp.Header, strings.TrimSpace(string(body)), nil
}

func deleteSession(ctx context.Context, gw gatewayFixture, sessionID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, gw.baseURL+"/mcp/v1", nil)
	if err != nil {
		return 0, fmt.Errorf("creating teardown request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+gw.token)
	req.Header.Set(sessionHeader, sessionID)

	resp, err := (&http.Client{Timeout: 8 * time.Second}).Do(req)
	if err != nil {
		return 0, fmt.Errorf("executing teardown request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	return resp.StatusCode, nil
}
