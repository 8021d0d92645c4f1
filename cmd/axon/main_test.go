package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/store"
	"github.com/m4xw311/axon/tools/mcp"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// staticConn is an MCP server that advertises a fixed tool list.
type staticConn struct {
	tools []*mcpsdk.Tool
	done  chan struct{}
}

func (c *staticConn) ListTools(ctx context.Context, p *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error) {
	return &mcpsdk.ListToolsResult{Tools: c.tools}, nil
}

func (c *staticConn) CallTool(ctx context.Context, p *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
}

func (c *staticConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

func (c *staticConn) Wait() error {
	<-c.done
	return nil
}

func staticDialer(names ...string) mcp.Dialer {
	return func(ctx context.Context, srv config.MCPServer) (mcp.Conn, *mcpsdk.InitializeResult, error) {
		c := &staticConn{done: make(chan struct{})}
		for _, n := range names {
			c.tools = append(c.tools, &mcpsdk.Tool{Name: n, InputSchema: map[string]any{"type": "object"}})
		}
		return c, &mcpsdk.InitializeResult{ServerInfo: &mcpsdk.Implementation{Name: srv.Name}}, nil
	}
}

// newTestApp returns an app on temporary home and project directories whose
// default model is the offline echo provider.
func newTestApp(t *testing.T, input string) (*app, *bytes.Buffer) {
	t.Helper()
	home, wd := t.TempDir(), t.TempDir()
	cfgDir := filepath.Join(wd, config.DirName)
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := "default_model: echo:echo\nwatch: false\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	return &app{
		home: home,
		wd:   wd,
		in:   strings.NewReader(input),
		out:  &out,
		dial: mcp.CommandDialer,
		opts: options{toolVerbosity: "none"},
	}, &out
}

func TestRunTerminalSession(t *testing.T) {
	a, out := newTestApp(t, "exit\n")
	a.opts.session = "demo"

	if err := a.run(context.Background(), "hello axon"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"Starting new session: demo", "axon is ready (echo:echo)", "axon: Echo: hello axon"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in output:\n%s", want, got)
		}
	}
	if _, err := os.Stat(filepath.Join(a.wd, config.DirName, "sessions", "demo.json")); err != nil {
		t.Errorf("Expected the session to be saved: %v", err)
	}

	ledger, err := store.Open(context.Background(), filepath.Join(a.home, config.DirName, "usage.db"))
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}
	defer ledger.Close()
	totals, err := ledger.Totals(context.Background())
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if len(totals) != 1 || totals[0].Provider != "echo" || totals[0].Requests != 1 {
		t.Errorf("Expected one echo request in the ledger, got %+v", totals)
	}
}

func TestRunResumeSession(t *testing.T) {
	a, _ := newTestApp(t, "exit\n")
	a.opts.session = "again"
	if err := a.run(context.Background(), "first"); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	var out bytes.Buffer
	a.opts = options{resume: "again", toolVerbosity: "none"}
	a.in = strings.NewReader("/usage\nexit\n")
	a.out = &out
	if err := a.run(context.Background(), ""); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Resuming session: again") {
		t.Errorf("Expected resume notice in:\n%s", got)
	}
	// Lifetime usage is seeded from the ledger; the resumed run made no request yet.
	if !strings.Contains(got, "**Lifetime**") || !strings.Contains(got, "| echo | echo | 1 |") {
		t.Errorf("Expected lifetime usage from the first run in:\n%s", got)
	}
}

func TestRunResumeMissingSession(t *testing.T) {
	a, _ := newTestApp(t, "")
	a.opts.resume = "nope"
	if err := a.run(context.Background(), ""); err == nil {
		t.Error("Expected an error resuming a session that does not exist")
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	a, _ := newTestApp(t, "")
	a.opts.toolVerbosity = "loud"
	if err := a.run(context.Background(), ""); err == nil {
		t.Error("Expected an error for an invalid tool verbosity")
	}

	a.opts.toolVerbosity = "none"
	a.opts.model = "nobody:nothing"
	if err := a.run(context.Background(), ""); err == nil {
		t.Error("Expected an error for an unknown model")
	}
}

func TestRunStopsOnToolNameCollision(t *testing.T) {
	a, out := newTestApp(t, "exit\n")
	cfg := "default_model: echo:echo\nwatch: false\nmcp_servers:\n  - name: dup\n    command: srv\n"
	if err := os.WriteFile(filepath.Join(a.wd, config.DirName, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	a.dial = staticDialer("read_file")

	err := a.run(context.Background(), "hello")
	if errors.KindOf(err) != errors.ConfigError || !strings.Contains(err.Error(), "read_file") {
		t.Fatalf("Expected a configuration error naming read_file, got %v", err)
	}
	if strings.Contains(out.String(), "axon is ready") {
		t.Errorf("The session must not start after a collision:\n%s", out.String())
	}
}

func TestRunWithMCPServer(t *testing.T) {
	a, out := newTestApp(t, "/mcp\nexit\n")
	cfg := "default_model: echo:echo\nwatch: false\nmcp_servers:\n  - name: remote\n    command: srv\n"
	if err := os.WriteFile(filepath.Join(a.wd, config.DirName, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	a.dial = staticDialer("lookup")

	if err := a.run(context.Background(), ""); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "remote: connected (1 tools)") {
		t.Errorf("Expected the server status in:\n%s", out.String())
	}
}

func TestRunACP(t *testing.T) {
	a, out := newTestApp(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`+"\n")
	a.opts.acp = true
	if err := a.run(context.Background(), ""); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), `"protocolVersion":1`) {
		t.Errorf("Expected an initialize response, got %q", out.String())
	}
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"-s", "x", "-m", "echo:echo", "--yolo", "--tool-verbosity", "all"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	for name, want := range map[string]string{"session": "x", "model": "echo:echo", "yolo": "true", "tool-verbosity": "all", "acp": "false"} {
		if got := cmd.Flags().Lookup(name).Value.String(); got != want {
			t.Errorf("--%s = %q, want %q", name, got, want)
		}
	}

	cmd = newRootCmd()
	cmd.SetArgs([]string{"-s", "a", "-r", "b"})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	if err := cmd.Execute(); err == nil {
		t.Error("Expected --session and --resume to be mutually exclusive")
	}
}

func TestDefaultSessionName(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	tests := []struct {
		wd, want string
	}{
		{"/home/me/project", "project_2025-03-04_05-06-07"},
		{"/", "axon_2025-03-04_05-06-07"},
		{"", "axon_2025-03-04_05-06-07"},
	}
	for _, tt := range tests {
		if got := defaultSessionName(tt.wd, now); got != tt.want {
			t.Errorf("defaultSessionName(%q) = %q, want %q", tt.wd, got, tt.want)
		}
	}
}
