// Package audit provides structured audit logging for opsgate tool calls.
package audit

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`)
	keyValuePattern    = regexp.MustCompile(`(?i)\b(token|secret|password|authorization)\s*[:=]\s*([^\s,;]+)`)
)

// ToolCallCompletion captures one finalized tool-call outcome.
type ToolCallCompletion struct {
	RequestID    string
	SessionID    string
	ToolName     string
	CallerSub    string
	Arguments    map[string]any
	Result       string
	ErrorDetail  string
	Duration     time.Duration
	ResponseCode int
}

// TargetSummary is a redacted summary of what a call touched.
type TargetSummary struct {
	Paths     []string `json:"paths,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	Nodes     []string `json:"nodes,omitempty"`
	Documents []string `json:"documents,omitempty"`
}

// Store persists audit events. Insert failures must not fail the tool call.
type Store interface {
	InsertAuditEvent(ctx context.Context, event types.AuditEvent) error
}

// Logger emits structured audit entries and optionally persists them.
type Logger struct {
	logger zerolog.Logger
	store  Store
}

// NewLogger creates an audit logger. store may be nil when persistence is
// not configured.
func NewLogger(logger zerolog.Logger, store Store) *Logger {
	return &Logger{
		logger: logger.With().Str("component", "audit").Logger(),
		store:  store,
	}
}

// Complete writes a single completion entry for one tool call.
func (l *Logger) Complete(ctx context.Context, event ToolCallCompletion) {
	if l == nil {
		return
	}

	result := strings.TrimSpace(event.Result)
	if result == "" {
		result = "error"
	}
	tool := strings.TrimSpace(event.ToolName)
	if tool == "" {
		tool = "unknown"
	}
	duration := event.Duration
	if duration < 0 {
		duration = 0
	}

	summary := SummarizeTargets(event.Arguments)
	redactedError := RedactSensitiveText(event.ErrorDetail)

	entry := l.logger.Info().
		Str("event", "opsgate.tool_call.completed").
		Str("request_id", strings.TrimSpace(event.RequestID)).
		Str("session_id", strings.TrimSpace(event.SessionID)).
		Str("tool", tool).
		Str("caller_subject", strings.TrimSpace(event.CallerSub)).
		Str("result", result).
		Int64("duration_ms", duration.Milliseconds()).
		Interface("target", summary)

	if event.ResponseCode > 0 {
		entry = entry.Int("response_code", event.ResponseCode)
	}
	if redactedError != "" {
		entry = entry.Str("error_detail", redactedError)
	}
	entry.Msg("tool call completed")

	if l.store == nil {
		return
	}
	stored := types.AuditEvent{
		Time:       time.Now().UTC(),
		SessionID:  strings.TrimSpace(event.SessionID),
		Tool:       tool,
		Outcome:    result,
		Subject:    strings.TrimSpace(event.CallerSub),
		Detail:     summaryDetail(summary, redactedError),
		DurationMS: duration.Milliseconds(),
	}
	if err := l.store.InsertAuditEvent(ctx, stored); err != nil {
		l.logger.Error().Err(err).Str("tool", tool).Msg("persisting audit event failed")
	}
}

func summaryDetail(summary TargetSummary, redactedError string) string {
	parts := make([]string, 0, 5)
	if len(summary.Paths) > 0 {
		parts = append(parts, "paths="+strings.Join(summary.Paths, ","))
	}
	if len(summary.Commands) > 0 {
		parts = append(parts, "commands="+strings.Join(summary.Commands, ","))
	}
	if len(summary.Nodes) > 0 {
		parts = append(parts, "nodes="+strings.Join(summary.Nodes, ","))
	}
	if len(summary.Documents) > 0 {
		parts = append(parts, "documents="+strings.Join(summary.Documents, ","))
	}
	if redactedError != "" {
		parts = append(parts, "error="+redactedError)
	}
	return strings.Join(parts, " ")
}

// SummarizeTargets builds a compact target summary from tool arguments.
// Argument values that are not obvious identifiers stay out of the audit
// trail so secrets in file contents or queries are never persisted.
func SummarizeTargets(args map[string]any) TargetSummary {
	if args == nil {
		return TargetSummary{}
	}
	return TargetSummary{
		Paths:     uniqueStrings(readString(args, "path")),
		Commands:  uniqueStrings(readString(args, "command")),
		Nodes:     uniqueStrings(readString(args, "node")),
		Documents: uniqueStrings(readString(args, "name", "prefix")),
	}
}

// RedactSensitiveText removes obvious secrets from free-text error details.
func RedactSensitiveText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	redacted := bearerTokenPattern.ReplaceAllString(trimmed, "Bearer [REDACTED]")
	redacted = keyValuePattern.ReplaceAllStringFunc(redacted, func(match string) string {
		parts := strings.SplitN(match, ":", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s: [REDACTED]", strings.TrimSpace(parts[0]))
		}
		parts = strings.SplitN(match, "=", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s=[REDACTED]", strings.TrimSpace(parts[0]))
		}
		return "[REDACTED]"
	})
	return redacted
}

func readString(args map[string]any, keys ...string) []string {
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		raw, ok := args[key]
		if !ok {
			continue
		}
		asString, ok := raw.(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(asString)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	if len(unique) == 0 {
		return nil
	}
	slices.Sort(unique)
	return unique
}
