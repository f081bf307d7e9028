package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

func (r *Runner) fsFileRead(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}

	resolved, err := r.paths.Resolve(req.Path)
	if err != nil {
		return nil, deniedErrorf("%v", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, mapFileError(err, resolved)
	}
	if info.IsDir() {
		return nil, validationErrorf("path %s is a directory", resolved)
	}
	if info.Size() > maxFileBytes {
		return nil, validationErrorf("file %s exceeds the %d byte read limit", resolved, maxFileBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, mapFileError(err, resolved)
	}

	content := string(data)
	encoding := "utf-8"
	if !utf8.ValidString(content) {
		content = base64.StdEncoding.EncodeToString(data)
		encoding = "base64"
	}

	return map[string]any{
		"path":      resolved,
		"sizeBytes": len(data),
		"encoding":  encoding,
		"content":   content,
	}, nil
}

func (r *Runner) fsDirList(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}

	resolved, err := r.paths.Resolve(req.Path)
	if err != nil {
		return nil, deniedErrorf("%v", err)
	}

	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, mapFileError(err, resolved)
	}

	truncated := false
	if len(dirEntries) > maxDirEntries {
		dirEntries = dirEntries[:maxDirEntries]
		truncated = true
	}

	entries := make([]map[string]any, 0, len(dirEntries))
	for _, entry := range dirEntries {
		item := map[string]any{
			"name": entry.Name(),
			"type": entryType(entry),
		}
		if info, err := entry.Info(); err == nil {
			if !entry.IsDir() {
				item["sizeBytes"] = info.Size()
			}
			item["modifiedAt"] = info.ModTime().UTC().Format(time.RFC3339)
		}
		entries = append(entries, item)
	}

	return map[string]any{
		"path":      resolved,
		"entries":   entries,
		"count":     len(entries),
		"truncated": truncated,
	}, nil
}

func (r *Runner) fsFileWrite(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
		Confirm bool   `json:"confirm"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}
	if len(req.Content) > maxFileBytes {
		return nil, validationErrorf("content exceeds the %d byte write limit", maxFileBytes)
	}

	resolved, err := r.paths.Resolve(req.Path)
	if err != nil {
		return nil, deniedErrorf("%v", err)
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return nil, validationErrorf("path %s is a directory", resolved)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if req.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return nil, mapFileError(err, resolved)
	}
	written, err := file.WriteString(req.Content)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, mapExecutionError(err, "writing file")
	}

	return map[string]any{
		"path":         resolved,
		"bytesWritten": written,
		"appended":     req.Append,
	}, nil
}

func entryType(entry fs.DirEntry) string {
	switch {
	case entry.IsDir():
		return "dir"
	case entry.Type()&fs.ModeSymlink != 0:
		return "symlink"
	case entry.Type().IsRegular():
		return "file"
	default:
		return "other"
	}
}

func mapFileError(err error, path string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return notFoundErrorf("path %s does not exist", path)
	case errors.Is(err, fs.ErrPermission):
		return deniedErrorf("path %s is not readable by the gateway", path)
	default:
		return mapExecutionError(err, "accessing "+filepath.Base(strings.TrimSpace(path)))
	}
}
