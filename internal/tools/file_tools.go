package tools

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 50 * 1024

// FileTools provides sandboxed file read and write skills.
type FileTools struct {
	sandbox *Sandbox
}

// NewFileTools creates file skills confined to sandbox.
func NewFileTools(sandbox *Sandbox) *FileTools {
	return &FileTools{sandbox: sandbox}
}

type readResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Lines     int    `json:"lines"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Read returns a file's content, optionally a 1-indexed line window.
func (ft *FileTools) Read(ctx context.Context, path string, offset, limit int) (*readResult, error) {
	abs, err := ft.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, invalidInput("file not found: %s", path)
		}
		return nil, failed("read file: %v", err)
	}

	lines := strings.Split(string(data), "\n")
	res := &readResult{Path: abs, Lines: len(lines)}

	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return nil, invalidInput("offset %d exceeds file length (%d lines)", offset, len(lines))
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	res.Content = strings.Join(lines[start:end], "\n")
	res.Truncated = start > 0 || end < len(lines)

	if len(res.Content) > maxReadBytes {
		res.Content = res.Content[:maxReadBytes]
		res.Truncated = true
	}
	return res, nil
}

type writeResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
	Appended     bool   `json:"appended,omitempty"`
}

// Write replaces or appends to a file, creating parent directories.
func (ft *FileTools) Write(ctx context.Context, path, content string, appendMode bool) (*writeResult, error) {
	abs, err := ft.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(abs); err == nil && fi.IsDir() {
		return nil, invalidInput("%s is a directory", path)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, failed("create directory: %v", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return nil, failed("open file: %v", err)
	}
	n, werr := f.WriteString(content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, failed("write file: %v", werr)
	}
	return &writeResult{Path: abs, BytesWritten: n, Appended: appendMode}, nil
}

// Register adds file_read and file_write to r.
func (ft *FileTools) Register(r *Registry) error {
	err := r.Register(&Tool{
		Name:        "file_read",
		Description: "Read a text file inside the allowed directories. Use offset and limit to page through long files.",
		Permission:  ReadOnly,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Absolute path, or a path relative to the first allowed directory",
				},
				"offset": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "First line to return (1-indexed)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Maximum number of lines to return",
				},
			},
			"required":             []string{"path"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			return ft.Read(ctx, path, intArg(args, "offset"), intArg(args, "limit"))
		},
	})
	if err != nil {
		return err
	}

	return r.Register(&Tool{
		Name:        "file_write",
		Description: "Write a text file inside the allowed directories, replacing it unless append is true.",
		Permission:  Mutating,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Absolute path, or a path relative to the first allowed directory",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Text to write",
				},
				"append": map[string]any{
					"type":        "boolean",
					"description": "Append instead of replacing",
				},
			},
			"required":             []string{"path", "content"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			appendMode, _ := args["append"].(bool)
			return ft.Write(ctx, path, content, appendMode)
		},
	})
}

// intArg reads a schema-validated integer argument, 0 when absent.
func intArg(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}
