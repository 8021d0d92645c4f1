// Package mcp connects to MCP servers and exposes their tools to the
// registry.
package mcp

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ClientName and ClientVersion identify axon during the handshake.
const (
	ClientName    = "axon"
	ClientVersion = "v0.1.0"
)

// Conn is the part of an MCP client session axon uses.
// *mcpsdk.ClientSession satisfies it.
type Conn interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
	Wait() error
}

// Dialer establishes a handshaken connection to a server.
type Dialer func(ctx context.Context, srv config.MCPServer) (Conn, *mcpsdk.InitializeResult, error)

// safeEnvVars are inherited from the parent; everything else must be
// configured explicitly.
var safeEnvVars = []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER", "LANG", "TMPDIR"}

// Environment builds the server's environment from safe parent variables
// plus the configured ones.
func Environment(srv config.MCPServer) []string {
	env := make(map[string]string)
	for _, k := range safeEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	for k, v := range srv.Env {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// CommandDialer spawns the server process and performs the handshake.
func CommandDialer(ctx context.Context, srv config.MCPServer) (Conn, *mcpsdk.InitializeResult, error) {
	cmd := exec.Command(srv.Command, srv.Args...)
	cmd.Env = Environment(srv)
	cmd.Stderr = &stderrLog{server: srv.Name}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: ClientName, Version: ClientVersion}, nil)
	conn, err := client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", srv.Name)
	}
	return conn, conn.InitializeResult(), nil
}

// stderrLog forwards a server's stderr to the debug log line by line.
type stderrLog struct {
	server string
	mu     sync.Mutex
	buf    []byte
}

func (w *stderrLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		logging.Debug("mcp server stderr", "server", w.server, "line", string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Client manages the connection to a single MCP server.
type Client struct {
	Name string
	Info *mcpsdk.InitializeResult

	conn Conn
	// ctx lives as long as the connection; in-flight calls derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	closeErr error
	onClosed func(name string, err error)
}

// Connect dials srv and starts watching the connection. onClosed runs once
// if the connection ends without Close being called.
func Connect(ctx context.Context, srv config.MCPServer, dial Dialer, onClosed func(name string, err error)) (*Client, error) {
	if dial == nil {
		dial = CommandDialer
	}
	conn, info, err := dial(ctx, srv)
	if err != nil {
		return nil, errors.E(errors.McpTransportClosed, err)
	}
	c := &Client{
		Name:     srv.Name,
		Info:     info,
		conn:     conn,
		onClosed: onClosed,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.watch()
	return c, nil
}

func (c *Client) watch() {
	err := c.conn.Wait()
	c.markClosed(err, false)
}

func (c *Client) markClosed(err error, explicit bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	c.mu.Unlock()

	c.cancel()
	if !explicit {
		logging.Warn("mcp server connection closed", "server", c.Name, "error", err)
		if c.onClosed != nil {
			c.onClosed(c.Name, err)
		}
	}
}

// Closed reports whether the connection has ended.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// ListTools returns every tool the server advertises, following cursors.
func (c *Client) ListTools(ctx context.Context) ([]*mcpsdk.Tool, error) {
	var out []*mcpsdk.Tool
	params := &mcpsdk.ListToolsParams{}
	for {
		res, err := c.conn.ListTools(ctx, params)
		if err != nil {
			return nil, c.classify(ctx, err, "failed to list tools from MCP server '%s'", c.Name)
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		params.Cursor = res.NextCursor
	}
}

// CallTool invokes a tool. If the connection ends while the call is in
// flight, the call fails at once with McpTransportClosed.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	if c.Closed() {
		return nil, errors.Errorf(errors.McpTransportClosed, "MCP server '%s' is not connected", c.Name)
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	res, err := c.conn.CallTool(callCtx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, c.classify(ctx, err, "failed to call tool '%s' on MCP server '%s'", name, c.Name)
	}
	return res, nil
}

func (c *Client) classify(ctx context.Context, err error, format string, a ...any) error {
	switch {
	case c.ctx.Err() != nil, errors.Is(err, mcpsdk.ErrConnectionClosed):
		return errors.E(errors.McpTransportClosed, errors.Wrapf(err, format, a...))
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errors.E(errors.ToolExecutionError, errors.Wrapf(err, format, a...))
	}
}

// Close ends the connection and waits for the server to stop.
func (c *Client) Close() error {
	c.markClosed(nil, true)
	return c.conn.Close()
}
