package tools

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

func (r *Runner) procCmdRun(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeoutSeconds"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}

	command := strings.TrimSpace(req.Command)
	if err := r.commands.Check(command); err != nil {
		return nil, deniedErrorf("%v", err)
	}

	timeout := r.execTimeout
	if req.TimeoutSeconds != 0 {
		if req.TimeoutSeconds < 0 {
			return nil, validationErrorf("timeoutSeconds must be >= 1")
		}
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout < minExecTimeout {
		timeout = minExecTimeout
	}
	if timeout > maxExecTimeout {
		timeout = maxExecTimeout
	}

	argv := strings.Fields(command)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output := &limitWriter{limit: maxOutputBytes}
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Stdout = output
	cmd.Stderr = output

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := map[string]any{
		"command":    command,
		"exitCode":   0,
		"output":     output.String(),
		"durationMs": elapsed.Milliseconds(),
		"truncated":  output.truncated,
	}

	if runErr != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return nil, &ToolError{
				statusCode: http.StatusGatewayTimeout,
				message:    "command timed out after " + timeout.String(),
			}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result["exitCode"] = exitErr.ExitCode()
			return result, nil
		}
		if errors.Is(runErr, exec.ErrNotFound) {
			return nil, notFoundErrorf("command %s not found on host", argv[0])
		}
		return nil, mapExecutionError(runErr, "running command")
	}
	return result, nil
}

// limitWriter buffers writes up to limit bytes and drops the rest, recording
// that truncation happened. Writes never fail so the child process is not
// killed by a full pipe.
type limitWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *limitWriter) String() string {
	return w.buf.String()
}
