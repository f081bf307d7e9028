package tools

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxSearchMatches = 50

func (r *Runner) vaultDocList(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Prefix string `json:"prefix"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}
	if r.vault == nil {
		return nil, unavailableErrorf("no document vault is configured")
	}

	prefix := strings.TrimSpace(req.Prefix)
	documents := make([]map[string]any, 0, 16)
	truncated := false
	err := filepath.WalkDir(r.vaultDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") && path != r.vaultDir {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") || !entry.Type().IsRegular() {
			return nil
		}
		name, err := filepath.Rel(r.vaultDir, path)
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			return nil
		}
		if len(documents) >= maxDirEntries {
			truncated = true
			return fs.SkipAll
		}
		doc := map[string]any{"name": name}
		if info, err := entry.Info(); err == nil {
			doc["sizeBytes"] = info.Size()
			doc["modifiedAt"] = info.ModTime().UTC().Format(time.RFC3339)
		}
		documents = append(documents, doc)
		return nil
	})
	if err != nil {
		return nil, mapFileError(err, r.vaultDir)
	}

	return map[string]any{
		"documents": documents,
		"count":     len(documents),
		"truncated": truncated,
	}, nil
}

func (r *Runner) vaultDocRead(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}
	if r.vault == nil {
		return nil, unavailableErrorf("no document vault is configured")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, validationErrorf("name is required")
	}

	resolved, err := r.vault.Resolve(filepath.Join(r.vaultDir, filepath.FromSlash(name)))
	if err != nil {
		return nil, deniedErrorf("document %s is outside the vault", name)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, mapFileError(err, resolved)
	}
	if info.IsDir() {
		return nil, validationErrorf("document %s is a directory", name)
	}
	if info.Size() > maxFileBytes {
		return nil, validationErrorf("document %s exceeds the %d byte read limit", name, maxFileBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, mapFileError(err, resolved)
	}

	return map[string]any{
		"name":       name,
		"sizeBytes":  len(data),
		"content":    string(data),
		"modifiedAt": info.ModTime().UTC().Format(time.RFC3339),
	}, nil
}

func (r *Runner) vaultDocSearch(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Query      string `json:"query"`
		MaxResults int    `json:"maxResults"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}
	if r.vault == nil {
		return nil, unavailableErrorf("no document vault is configured")
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, validationErrorf("query is required")
	}
	if req.MaxResults < 0 {
		return nil, validationErrorf("maxResults must be >= 0")
	}
	limit := maxSearchMatches
	if req.MaxResults > 0 && req.MaxResults < limit {
		limit = req.MaxResults
	}

	needle := strings.ToLower(query)
	matches := make([]map[string]any, 0, 8)
	truncated := false
	err := filepath.WalkDir(r.vaultDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") && path != r.vaultDir {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") || !entry.Type().IsRegular() {
			return nil
		}
		if info, err := entry.Info(); err != nil || info.Size() > maxFileBytes {
			return nil
		}
		name, err := filepath.Rel(r.vaultDir, path)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), maxFileBytes)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			if len(matches) >= limit {
				truncated = true
				return fs.SkipAll
			}
			matches = append(matches, map[string]any{
				"name": filepath.ToSlash(name),
				"line": lineNo,
				"text": strings.TrimSpace(line),
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapFileError(err, r.vaultDir)
	}

	return map[string]any{
		"query":     query,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}, nil
}
