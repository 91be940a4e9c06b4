package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const maxReadBytes = 64 * 1024

// NewWorkspaceRegistry returns a registry whose file tools are confined to root.
func NewWorkspaceRegistry(root string) (*Registry, error) {
	r := NewRegistry()
	ws := workspaceTools{root: root}
	for _, t := range []struct {
		h Handler
		s Schema
	}{
		{ws.readFile, Schema{Name: "read_file", Description: "Read a file relative to the workspace", Parameters: map[string]any{"path": "string"}}},
		{ws.writeFile, Schema{Name: "write_file", Description: "Write a file relative to the workspace", Parameters: map[string]any{"path": "string", "content": "string"}}},
		{ws.listFiles, Schema{Name: "list_files", Description: "List files matching a glob such as **/*.go", Parameters: map[string]any{"pattern": "string"}}},
		{ws.search, Schema{Name: "search", Description: "Find lines containing text in files matching a glob", Parameters: map[string]any{"pattern": "string", "text": "string"}}},
	} {
		if err := r.Register(t.h, t.s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

type workspaceTools struct {
	root string
}

// resolve maps a relative path into root and rejects escapes.
func (w workspaceTools) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the workspace", rel)
	}
	full := filepath.Join(w.root, rel)
	back, err := filepath.Rel(w.root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return full, nil
}

func (w workspaceTools) readFile(_ context.Context, args map[string]any) (string, error) {
	rel, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}
	full, err := w.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n...(truncated)", nil
	}
	return string(data), nil
}

func (w workspaceTools) writeFile(_ context.Context, args map[string]any) (string, error) {
	rel, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := StringArg(args, "content")
	if err != nil {
		return "", err
	}
	full, err := w.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

func (w workspaceTools) glob(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob %q", pattern)
	}
	var matches []string
	err := doublestar.GlobWalk(os.DirFS(w.root), pattern, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(path, ".git/") {
			return nil
		}
		matches = append(matches, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	return matches, nil
}

func (w workspaceTools) listFiles(_ context.Context, args map[string]any) (string, error) {
	pattern, err := StringArg(args, "pattern")
	if err != nil {
		pattern = "**"
	}
	matches, err := w.glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "no files match " + pattern, nil
	}
	return strings.Join(matches, "\n"), nil
}

func (w workspaceTools) search(ctx context.Context, args map[string]any) (string, error) {
	text, err := StringArg(args, "text")
	if err != nil {
		return "", err
	}
	pattern, err := StringArg(args, "pattern")
	if err != nil {
		pattern = "**"
	}
	matches, err := w.glob(pattern)
	if err != nil {
		return "", err
	}

	var hits []string
	for _, rel := range matches {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		f, err := os.Open(filepath.Join(w.root, rel))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		line := 0
		for scanner.Scan() {
			line++
			if strings.Contains(scanner.Text(), text) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, line, strings.TrimSpace(scanner.Text())))
			}
		}
		f.Close()
	}
	if len(hits) == 0 {
		return "no matches for " + text, nil
	}
	return strings.Join(hits, "\n"), nil
}
