package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
)

// countingTool records how often it runs.
type countingTool struct {
	name     string
	readOnly bool
	calls    atomic.Int32
	out      string
	err      error
	panicMsg string
}

func (t *countingTool) Name() string        { return t.name }
func (t *countingTool) Description() string { return "test tool" }
func (t *countingTool) ReadOnly() bool      { return t.readOnly }
func (t *countingTool) InputSchema() map[string]any {
	return objectSchema([]string{"path"}, map[string]string{"path": "a path"})
}

func (t *countingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.calls.Add(1)
	if t.panicMsg != "" {
		panic(t.panicMsg)
	}
	return t.out, t.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&countingTool{name: "list_files"}); err != nil {
		t.Fatal(err)
	}
	err := r.AddSource("fs-server", []Tool{&countingTool{name: "other"}, &countingTool{name: "list_files"}})
	if err == nil {
		t.Fatal("expected a collision error")
	}
	if !strings.Contains(err.Error(), "fs-server") || !strings.Contains(err.Error(), SourceLocal) {
		t.Errorf("error should name both sources: %v", err)
	}
	if errors.KindOf(err) != errors.ConfigError {
		t.Errorf("kind = %q", errors.KindOf(err))
	}
	if _, ok := r.Resolve("other"); ok {
		t.Error("a rejected source must not be partially registered")
	}
}

func TestRegistryRemoveSource(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&countingTool{name: "local"})
	if err := r.AddSource("srv", []Tool{&countingTool{name: "a"}, &countingTool{name: "b"}}); err != nil {
		t.Fatal(err)
	}
	if n := r.RemoveSource("srv"); n != 2 {
		t.Errorf("removed %d tools, want 2", n)
	}
	ds := r.Descriptors()
	if len(ds) != 1 || ds[0].Name != "local" {
		t.Errorf("Descriptors = %+v", ds)
	}
}

func TestDescriptorConfirmation(t *testing.T) {
	r := NewRegistry([]string{"git_add"})
	r.Register(&countingTool{name: "read", readOnly: true})
	r.Register(&countingTool{name: "write"})
	r.Register(&countingTool{name: "git_add"})

	want := map[string]bool{"read": false, "write": true, "git_add": false}
	for name, confirm := range want {
		d, ok := r.Resolve(name)
		if !ok {
			t.Fatalf("%s not registered", name)
		}
		if d.RequiresConfirmation != confirm {
			t.Errorf("%s RequiresConfirmation = %v, want %v", name, d.RequiresConfirmation, confirm)
		}
	}
}

func TestInvoke(t *testing.T) {
	tests := []struct {
		name      string
		tool      *countingTool
		args      map[string]any
		wantErr   bool
		wantKind  errors.Kind
		wantCalls int32
		wantOut   string
	}{
		{"success", &countingTool{name: "t", out: "a.txt\nb.txt"}, map[string]any{"path": "."}, false, "", 1, "a.txt\nb.txt"},
		{"missing required arg", &countingTool{name: "t"}, map[string]any{}, true, errors.ToolValidationError, 0, "invalid arguments"},
		{"wrong arg type", &countingTool{name: "t"}, map[string]any{"path": 3.0}, true, errors.ToolValidationError, 0, "invalid arguments"},
		{"execution failure", &countingTool{name: "t", err: errors.New("disk full")}, map[string]any{"path": "x"}, true, errors.ToolExecutionError, 1, "disk full"},
		{"panic", &countingTool{name: "t", panicMsg: "boom"}, map[string]any{"path": "x"}, true, errors.ToolExecutionError, 1, "panicked: boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(nil)
			r.Register(tc.tool)
			res := r.Invoke(context.Background(), session.ToolCall{ID: "c1", Name: "t", Args: tc.args})
			if res.ToolCallID != "c1" || res.Name != "t" {
				t.Errorf("result not correlated: %+v", res)
			}
			if res.IsError != tc.wantErr || res.Kind != tc.wantKind {
				t.Errorf("IsError=%v Kind=%q, want %v %q", res.IsError, res.Kind, tc.wantErr, tc.wantKind)
			}
			if got := tc.tool.calls.Load(); got != tc.wantCalls {
				t.Errorf("tool ran %d times, want %d", got, tc.wantCalls)
			}
			if !strings.Contains(res.Output, tc.wantOut) {
				t.Errorf("Output = %q, want it to contain %q", res.Output, tc.wantOut)
			}
		})
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	res := NewRegistry(nil).Invoke(context.Background(), session.ToolCall{ID: "x", Name: "nope"})
	if !res.IsError || !strings.Contains(res.Output, "unknown tool") {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestBuiltinsRegister(t *testing.T) {
	r, err := NewToolRegistry(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"read_file", "write_file", "update_file", "list_directory", "find", "run_command", "git_add", "git_commit"} {
		if _, ok := r.Resolve(name); !ok {
			t.Errorf("%s missing", name)
		}
	}
	for _, name := range []string{"read_file", "find", "list_directory"} {
		if d, _ := r.Resolve(name); d.RequiresConfirmation {
			t.Errorf("%s is read-only and should not need confirmation", name)
		}
	}
}

func TestFilesystemTools(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg := testConfig(t)
	cfg.FilesystemAccess.ReadOnly = []string{"locked/**"}
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, "secret.txt")
	r := NewRegistry(nil)
	r.AddSource(SourceLocal, Builtins(cfg))
	ctx := context.Background()
	invoke := func(name string, args map[string]any) session.ToolResult {
		return r.Invoke(ctx, session.ToolCall{ID: name, Name: name, Args: args})
	}

	if res := invoke("write_file", map[string]any{"path": "src/a.txt", "content": "hello world hello"}); res.IsError {
		t.Fatalf("write_file: %s", res.Output)
	}
	if res := invoke("update_file", map[string]any{"path": "src/a.txt", "old_content": "hello", "new_content": "bye"}); res.IsError {
		t.Fatalf("update_file: %s", res.Output)
	}
	if res := invoke("read_file", map[string]any{"path": "src/a.txt"}); res.Output != "bye world hello" {
		t.Errorf("update_file should replace only the first occurrence, got %q", res.Output)
	}
	if res := invoke("update_file", map[string]any{"path": "src/a.txt", "old_content": "absent", "new_content": "x"}); !res.IsError {
		t.Error("update_file should fail when old_content is missing")
	}
	if res := invoke("update_file", map[string]any{"path": "src/a.txt", "old_content": "bye", "new_content": "bye"}); !res.IsError {
		t.Error("update_file should fail when old and new are identical")
	}

	os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("s"), 0o644)
	if res := invoke("read_file", map[string]any{"path": "secret.txt"}); !res.IsError || !strings.Contains(res.Output, "hidden") {
		t.Errorf("hidden file should be denied: %+v", res)
	}
	if res := invoke("write_file", map[string]any{"path": "locked/x", "content": "y"}); !res.IsError || !strings.Contains(res.Output, "read-only") {
		t.Errorf("read-only path should be denied: %+v", res)
	}

	res := invoke("list_directory", map[string]any{})
	if res.IsError || res.Output != "src/" {
		t.Errorf("list_directory = %q; hidden entries must be skipped", res.Output)
	}

	res = invoke("find", map[string]any{"pattern": "**/*.txt"})
	if res.IsError || res.Output != "src/a.txt" {
		t.Errorf("find = %q", res.Output)
	}
	res = invoke("find", map[string]any{"pattern": "**/*.txt", "contains": "wor"})
	if res.IsError || res.Output != "src/a.txt:1:bye world hello" {
		t.Errorf("find contains = %q", res.Output)
	}
}

func TestRunCommandAllowList(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowedCommands = []string{`^echo(\s|$)`, "("}
	p := NewPolicy(cfg)
	if len(p.AllowedCommands) != 1 {
		t.Fatalf("invalid pattern should be skipped, got %d", len(p.AllowedCommands))
	}
	tool := &RunCommandTool{policy: p}

	out, err := tool.Execute(context.Background(), map[string]any{"command": "echo hi"})
	if err != nil || !strings.Contains(out, "hi") {
		t.Errorf("echo: %q %v", out, err)
	}
	if _, err := tool.Execute(context.Background(), map[string]any{"command": "rm -rf /"}); err == nil {
		t.Error("rm must not be allowed")
	}
	if p.CommandAllowed("echoer") {
		t.Error("pattern must match the whole command word")
	}
}

func TestDefaultAllowedCommands(t *testing.T) {
	p := NewPolicy(testConfig(t))
	for cmd, want := range map[string]bool{"ls -la": true, "git status": false, "cat go.mod": true, "": false} {
		if got := p.CommandAllowed(cmd); got != want {
			t.Errorf("CommandAllowed(%q) = %v, want %v", cmd, got, want)
		}
	}
}
