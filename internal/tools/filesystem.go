package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ghost/internal/sandbox"
)

// FileSystemTool implements the file_system tool: read/write/list/delete
// operations confined to a sandbox.Guard root.
type FileSystemTool struct {
	guard *sandbox.Guard
}

// NewFileSystemTool builds a FileSystemTool rooted at guard.
func NewFileSystemTool(guard *sandbox.Guard) *FileSystemTool { return &FileSystemTool{guard: guard} }

func (t *FileSystemTool) Name() string        { return "file_system" }
func (t *FileSystemTool) Mutating() bool      { return true }
func (t *FileSystemTool) UsageCap() int       { return 0 }
func (t *FileSystemTool) Description() string {
	return "Read, write, list, or delete files within the agent's sandbox."
}

func (t *FileSystemTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{"type": "string", "enum": []string{"read", "write", "list", "delete", "read_chunk"}},
			"path":      map[string]any{"type": "string"},
			"content":   map[string]any{"type": "string"},
			"offset":    map[string]any{"type": "integer"},
			"length":    map[string]any{"type": "integer"},
		},
		"required": []string{"operation", "path"},
	}
}

type fileSystemArgs struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
}

func (t *FileSystemTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args fileSystemArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	abs, err := t.guard.Resolve(args.Path)
	if err != nil {
		return "", err
	}

	switch args.Operation {
	case "read":
		if err := t.guard.CheckReadSize(abs); err != nil {
			if errors.Is(err, sandbox.ErrChunkedReadRequired) {
				return "", fmt.Errorf("file too large for a raw read; use operation=read_chunk with offset/length")
			}
			return "", err
		}
		b, err := os.ReadFile(abs)
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
		return string(b), nil

	case "read_chunk":
		length := args.Length
		if length <= 0 {
			length = 16 * 1024
		}
		b, err := t.guard.ReadChunk(abs, args.Offset, length)
		if err != nil {
			return "", err
		}
		return string(b), nil

	case "write":
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return "", fmt.Errorf("mkdir: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
		if err != nil {
			return "", fmt.Errorf("create temp: %w", err)
		}
		if _, err := tmp.WriteString(args.Content); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", fmt.Errorf("write temp: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("close temp: %w", err)
		}
		if err := os.Rename(tmp.Name(), abs); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("rename: %w", err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil

	case "list":
		entries, err := os.ReadDir(abs)
		if err != nil {
			return "", fmt.Errorf("list: %w", err)
		}
		var sb strings.Builder
		for _, e := range entries {
			if e.IsDir() {
				sb.WriteString(e.Name() + "/\n")
			} else {
				sb.WriteString(e.Name() + "\n")
			}
		}
		return sb.String(), nil

	case "delete":
		if err := os.Remove(abs); err != nil {
			return "", fmt.Errorf("delete: %w", err)
		}
		return fmt.Sprintf("deleted %s", args.Path), nil

	default:
		return "", fmt.Errorf("unknown operation %q", args.Operation)
	}
}
