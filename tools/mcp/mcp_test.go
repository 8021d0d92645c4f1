package mcp

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// fakeConn stands in for a server connection. Calls to "slow" block until
// the connection ends.
type fakeConn struct {
	pages   [][]*mcpsdk.Tool
	started chan struct{}
	done    chan struct{}
	once    sync.Once
	closed  bool
	// exitOnList makes the server die while answering its last tools page.
	exitOnList bool
}

func newFakeConn(names ...string) *fakeConn {
	var page1, page2 []*mcpsdk.Tool
	for i, n := range names {
		tool := &mcpsdk.Tool{Name: n, Description: "remote " + n, InputSchema: map[string]any{"type": "object"}}
		if i%2 == 0 {
			page1 = append(page1, tool)
		} else {
			page2 = append(page2, tool)
		}
	}
	return &fakeConn{pages: [][]*mcpsdk.Tool{page1, page2}, started: make(chan struct{}, 8), done: make(chan struct{})}
}

func (f *fakeConn) ListTools(ctx context.Context, p *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error) {
	if p.Cursor == "" {
		return &mcpsdk.ListToolsResult{Tools: f.pages[0], NextCursor: "page2"}, nil
	}
	if f.exitOnList {
		f.exit()
	}
	return &mcpsdk.ListToolsResult{Tools: f.pages[1]}, nil
}

func (f *fakeConn) CallTool(ctx context.Context, p *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	if p.Name == "slow" {
		f.started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok " + p.Name}}}, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	f.exit()
	return nil
}

func (f *fakeConn) Wait() error {
	<-f.done
	return io.EOF
}

// exit simulates the server process dying.
func (f *fakeConn) exit() { f.once.Do(func() { close(f.done) }) }

type fakeDialer struct {
	mu    sync.Mutex
	names []string
	conns []*fakeConn
	fail  bool
	dying bool
}

func (d *fakeDialer) dial(ctx context.Context, srv config.MCPServer) (Conn, *mcpsdk.InitializeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, nil, errors.New("spawn failed")
	}
	c := newFakeConn(d.names...)
	c.exitOnList = d.dying
	d.conns = append(d.conns, c)
	return c, &mcpsdk.InitializeResult{ServerInfo: &mcpsdk.Implementation{Name: srv.Name}}, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func TestServerExitMidCall(t *testing.T) {
	reg := tools.NewRegistry(nil)
	dialer := &fakeDialer{names: []string{"slow", "fast"}}
	m := NewManager([]config.MCPServer{{Name: "remote", Command: "srv"}}, reg, dialer.dial)
	notified := make(chan error, 1)
	m.SetNotifier(func(name string, err error) { notified <- err })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, name := range []string{"slow", "fast"} {
		d, ok := reg.Resolve(name)
		if !ok {
			t.Fatalf("%s not registered after paging", name)
		}
		if d.Source != "remote" || !d.RequiresConfirmation {
			t.Errorf("unexpected descriptor %+v", d)
		}
	}

	resCh := make(chan session.ToolResult, 1)
	go func() {
		resCh <- reg.Invoke(context.Background(), session.ToolCall{ID: "c1", Name: "slow"})
	}()
	<-dialer.last().started
	dialer.last().exit()

	select {
	case res := <-resCh:
		if !res.IsError || res.Kind != errors.McpTransportClosed {
			t.Errorf("in-flight call should fail with transport closed, got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call did not fail after server exit")
	}

	select {
	case err := <-notified:
		if errors.KindOf(err) != errors.McpTransportClosed {
			t.Errorf("notification kind = %q", errors.KindOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("closure was not reported")
	}
	if _, ok := reg.Resolve("fast"); ok {
		t.Error("tools of a closed server must be removed")
	}
	if st := m.Status()[0]; st.State != StateClosed {
		t.Errorf("status = %+v", st)
	}
	select {
	case <-notified:
		t.Error("closure must be reported once")
	default:
	}

	if err := m.Reconnect(context.Background(), "remote"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	res := reg.Invoke(context.Background(), session.ToolCall{ID: "c2", Name: "fast"})
	if res.IsError || res.Output != "ok fast" {
		t.Errorf("call after reconnect = %+v", res)
	}
	m.Shutdown()
	if !dialer.last().closed {
		t.Error("Shutdown should close connections")
	}
}

func TestServerExitWhileListingTools(t *testing.T) {
	reg := tools.NewRegistry(nil)
	dialer := &fakeDialer{names: []string{"slow", "fast"}, dying: true}
	m := NewManager([]config.MCPServer{{Name: "remote", Command: "srv"}}, reg, dialer.dial)
	notified := make(chan error, 2)
	m.SetNotifier(func(name string, err error) { notified <- err })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-notified:
		if errors.KindOf(err) != errors.McpTransportClosed {
			t.Errorf("notification kind = %q", errors.KindOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("closure during startup was not reported")
	}
	for _, name := range []string{"slow", "fast"} {
		if _, ok := reg.Resolve(name); ok {
			t.Errorf("%s of a dead server must not be registered", name)
		}
	}
	if st := m.Status()[0]; st.State != StateClosed {
		t.Errorf("status = %s", st)
	}
	select {
	case <-notified:
		t.Error("closure must be reported once")
	case <-time.After(50 * time.Millisecond):
	}

	dialer.mu.Lock()
	dialer.dying = false
	dialer.mu.Unlock()
	if err := m.Reconnect(context.Background(), "remote"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if _, ok := reg.Resolve("fast"); !ok {
		t.Error("reconnect should register the tools")
	}
	m.Shutdown()
}

func TestStartCollisionIsFatal(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(&stubTool{name: "read_file"})
	dialer := &fakeDialer{names: []string{"read_file"}}
	m := NewManager([]config.MCPServer{{Name: "dup", Command: "srv"}}, reg, dialer.dial)

	err := m.Start(context.Background())
	if err == nil || errors.KindOf(err) != errors.ConfigError {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !dialer.last().closed {
		t.Error("colliding server should be closed")
	}
	if d, _ := reg.Resolve("read_file"); d.Source != tools.SourceLocal {
		t.Error("local tool must not be replaced")
	}
}

func TestStartFailureIsNotFatal(t *testing.T) {
	reg := tools.NewRegistry(nil)
	m := NewManager([]config.MCPServer{{Name: "broken", Command: "nope"}}, reg, (&fakeDialer{fail: true}).dial)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("a server that fails to start should not stop the session: %v", err)
	}
	st := m.Status()[0]
	if st.State != StateFailed || !strings.Contains(st.String(), "spawn failed") {
		t.Errorf("status = %s", st)
	}
}

func TestLazyServer(t *testing.T) {
	reg := tools.NewRegistry(nil)
	dialer := &fakeDialer{names: []string{"lazy_tool"}}
	m := NewManager([]config.MCPServer{{Name: "later", Command: "srv", Lazy: true}}, reg, dialer.dial)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Resolve("lazy_tool"); ok {
		t.Fatal("lazy server should not start eagerly")
	}
	if err := m.EnsureStarted(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Resolve("lazy_tool"); !ok {
		t.Error("lazy server should be started on first use")
	}
	m.Shutdown()
}

func TestEnvironment(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("AXON_SECRET_TOKEN", "leak")
	env := Environment(config.MCPServer{Env: map[string]string{"API_KEY": "k"}})
	joined := strings.Join(env, " ")
	if !strings.Contains(joined, "PATH=/usr/bin") || !strings.Contains(joined, "API_KEY=k") {
		t.Errorf("missing expected variables: %v", env)
	}
	if strings.Contains(joined, "AXON_SECRET_TOKEN") {
		t.Errorf("unsafe variable inherited: %v", env)
	}
}

// TestInMemorySDK exercises the real handshake, listing and calling over
// the SDK's in-memory transport.
func TestInMemorySDK(t *testing.T) {
	ctx := context.Background()
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "greeter", Version: "v1"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "greet",
		Description: "says hello",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
			"required":   []any{"name"},
		},
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct{ Name string }
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "hello " + args.Name}}}, nil
	})

	serverT, clientT := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ss.Close()

	dial := func(ctx context.Context, srv config.MCPServer) (Conn, *mcpsdk.InitializeResult, error) {
		c := mcpsdk.NewClient(&mcpsdk.Implementation{Name: ClientName, Version: ClientVersion}, nil)
		cs, err := c.Connect(ctx, clientT, nil)
		if err != nil {
			return nil, nil, err
		}
		return cs, cs.InitializeResult(), nil
	}

	reg := tools.NewRegistry(nil)
	m := NewManager([]config.MCPServer{{Name: "greeter", Command: "in-memory"}}, reg, dial)
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	res := reg.Invoke(ctx, session.ToolCall{ID: "1", Name: "greet", Args: map[string]any{"name": "axon"}})
	if res.IsError || res.Output != "hello axon" {
		t.Errorf("greet = %+v", res)
	}
	res = reg.Invoke(ctx, session.ToolCall{ID: "2", Name: "greet", Args: map[string]any{}})
	if !res.IsError || res.Kind != errors.ToolValidationError {
		t.Errorf("missing argument should fail validation before dispatch: %+v", res)
	}
}

type stubTool struct{ name string }

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return "" }
func (s *stubTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) ReadOnly() bool              { return true }
func (s *stubTool) Execute(context.Context, map[string]any) (string, error) {
	return "", nil
}
