package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/m4xw311/axon/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	policy *Policy
}

func (t *ReadFileTool) Name() string   { return "read_file" }
func (t *ReadFileTool) ReadOnly() bool { return true }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return objectSchema([]string{"path"}, map[string]string{"path": "Path of the file to read."})
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, ok := stringArg(args, "path")
	if !ok {
		return "", errors.E(errors.ToolValidationError, errors.New("missing or invalid 'path' argument"))
	}
	if err := t.policy.CheckRead(path); err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	policy *Policy
}

func (t *WriteFileTool) Name() string   { return "write_file" }
func (t *WriteFileTool) ReadOnly() bool { return false }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Parent directories are created."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return objectSchema([]string{"path", "content"}, map[string]string{
		"path":    "Path of the file to write.",
		"content": "Full new content of the file.",
	})
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, pathOk := stringArg(args, "path")
	content, contentOk := stringArg(args, "content")
	if !pathOk || !contentOk {
		return "", errors.E(errors.ToolValidationError, errors.New("missing or invalid 'path' or 'content' arguments"))
	}
	if err := t.policy.CheckWrite(path); err != nil {
		return "", err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "failed to create directory '%s'", dir)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// UpdateFileTool replaces the first occurrence of a string in a file.
type UpdateFileTool struct {
	policy *Policy
}

func (t *UpdateFileTool) Name() string   { return "update_file" }
func (t *UpdateFileTool) ReadOnly() bool { return false }
func (t *UpdateFileTool) Description() string {
	return "Replaces the first occurrence of old_content with new_content in a file. old_content must match exactly."
}

func (t *UpdateFileTool) InputSchema() map[string]any {
	return objectSchema([]string{"path", "old_content", "new_content"}, map[string]string{
		"path":        "Path of the file to update.",
		"old_content": "Exact text to replace.",
		"new_content": "Replacement text.",
	})
}

func (t *UpdateFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, _ := stringArg(args, "path")
	oldContent, _ := stringArg(args, "old_content")
	newContent, _ := stringArg(args, "new_content")
	if path == "" || oldContent == "" {
		return "", errors.E(errors.ToolValidationError, errors.New("'path' and 'old_content' are required"))
	}
	if oldContent == newContent {
		return "", errors.New("old_content and new_content are identical")
	}
	if err := t.policy.CheckWrite(path); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	if !strings.Contains(string(data), oldContent) {
		return "", errors.New("old_content not found in '%s'", path)
	}
	updated := strings.Replace(string(data), oldContent, newContent, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Updated %s", path), nil
}

// ListDirectoryTool lists the entries of a directory.
type ListDirectoryTool struct {
	policy *Policy
}

func (t *ListDirectoryTool) Name() string   { return "list_directory" }
func (t *ListDirectoryTool) ReadOnly() bool { return true }
func (t *ListDirectoryTool) Description() string {
	return "Lists files and directories in a directory. Directories end with '/'. Defaults to the working directory."
}

func (t *ListDirectoryTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]string{"path": "Directory to list."})
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	dir, _ := stringArg(args, "path")
	if dir == "" {
		dir = "."
	}
	if err := t.policy.CheckRead(dir); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list directory '%s'", dir)
	}
	var names []string
	for _, e := range entries {
		if t.policy.IsHidden(filepath.Join(dir, e.Name())) {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}
