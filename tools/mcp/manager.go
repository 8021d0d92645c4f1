package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
	"github.com/m4xw311/axon/tools"
	"golang.org/x/sync/errgroup"
)

// Server states reported by Status.
const (
	StatePending   = "pending"
	StateConnected = "connected"
	StateClosed    = "closed"
	StateFailed    = "failed"
)

type Status struct {
	Name  string
	State string
	Tools int
	Err   error
}

type server struct {
	cfg    config.MCPServer
	client *Client
	gen    int
	status Status
}

// Manager owns every MCP client of a session and keeps the registry in
// sync with their connections.
type Manager struct {
	mu       sync.Mutex
	order    []string
	servers  map[string]*server
	registry *tools.Registry
	dial     Dialer
	notify   func(name string, err error)
}

func NewManager(cfgs []config.MCPServer, registry *tools.Registry, dial Dialer) *Manager {
	m := &Manager{servers: make(map[string]*server), registry: registry, dial: dial}
	for _, c := range cfgs {
		m.order = append(m.order, c.Name)
		m.servers[c.Name] = &server{cfg: c, status: Status{Name: c.Name, State: StatePending}}
	}
	return m
}

// SetNotifier registers fn to hear about connections that close on their
// own. fn is called once per closure.
func (m *Manager) SetNotifier(fn func(name string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// Start connects every eager server. A server that fails to start is
// reported in Status and skipped; a tool name collision is fatal.
func (m *Manager) Start(ctx context.Context) error {
	var eager []string
	for _, name := range m.order {
		if !m.servers[name].cfg.Lazy {
			eager = append(eager, name)
		}
	}
	return m.startAll(ctx, eager)
}

// EnsureStarted connects lazy servers that have not been attempted yet.
// Collisions refuse the server instead of failing the session.
func (m *Manager) EnsureStarted(ctx context.Context) error {
	var pending []string
	m.mu.Lock()
	for _, name := range m.order {
		if s := m.servers[name]; s.cfg.Lazy && s.status.State == StatePending {
			pending = append(pending, name)
		}
	}
	m.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	return m.startAll(ctx, pending)
}

type dialed struct {
	client *Client
	tools  []tools.Tool
	err    error
}

func (m *Manager) startAll(ctx context.Context, names []string) error {
	results := make([]dialed, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = m.connect(ctx, name)
			return nil
		})
	}
	g.Wait()

	var firstErr error
	for i, name := range names {
		if err := m.register(name, results[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) connect(ctx context.Context, name string) dialed {
	m.mu.Lock()
	s := m.servers[name]
	s.gen++
	gen, cfg := s.gen, s.cfg
	m.mu.Unlock()

	c, err := Connect(ctx, cfg, m.dial, func(name string, err error) { m.handleClosed(name, gen, err) })
	if err != nil {
		return dialed{err: err}
	}
	defs, err := c.ListTools(ctx)
	if err != nil {
		c.Close()
		return dialed{err: err}
	}
	ts := make([]tools.Tool, len(defs))
	for i, d := range defs {
		ts[i] = newTool(c, d)
	}
	return dialed{client: c, tools: ts}
}

// register publishes a dialed server's tools. Start failures are recorded
// and logged; only collisions are returned. A server that exited while its
// tools were being listed is recorded as closed and reported.
func (m *Manager) register(name string, d dialed) error {
	m.mu.Lock()
	s := m.servers[name]
	if d.err != nil {
		logging.Warn("mcp server failed to start", "server", name, "error", d.err)
		s.status = Status{Name: name, State: StateFailed, Err: d.err}
		m.mu.Unlock()
		return nil
	}
	// handleClosed ignores servers that are not yet connected, so a
	// closure that already happened is caught here. Later closures wait
	// for mu and find the server connected.
	if d.client.Closed() {
		s.status = Status{Name: name, State: StateClosed, Err: d.client.closeError()}
		notify := m.notify
		m.mu.Unlock()
		d.client.Close()
		if notify != nil {
			notify(name, closedError(name))
		}
		return nil
	}
	if err := m.registry.AddSource(name, d.tools); err != nil {
		s.status = Status{Name: name, State: StateFailed, Err: err}
		m.mu.Unlock()
		d.client.Close()
		return err
	}
	s.client = d.client
	s.status = Status{Name: name, State: StateConnected, Tools: len(d.tools)}
	m.mu.Unlock()
	logging.Info("mcp server connected", "server", name, "tools", len(d.tools))
	return nil
}

func closedError(name string) error {
	return errors.Errorf(errors.McpTransportClosed, "MCP server '%s' disconnected; its tools are unavailable until /mcp reconnect %s", name, name)
}

func (m *Manager) handleClosed(name string, gen int, err error) {
	m.mu.Lock()
	s, ok := m.servers[name]
	if !ok || s.gen != gen || s.status.State != StateConnected {
		m.mu.Unlock()
		return
	}
	m.registry.RemoveSource(name)
	s.client = nil
	s.status = Status{Name: name, State: StateClosed, Err: err}
	notify := m.notify
	m.mu.Unlock()

	if notify != nil {
		notify(name, closedError(name))
	}
}

// Reconnect tears down name's connection, if any, and establishes a new one.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	s, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return errors.New("unknown MCP server '%s'", name)
	}
	old := s.client
	s.client = nil
	s.status = Status{Name: name, State: StatePending}
	m.registry.RemoveSource(name)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	d := m.connect(ctx, name)
	if d.err != nil {
		m.register(name, d)
		return d.err
	}
	return m.register(name, d)
}

// Status lists every configured server in configuration order.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.servers[name].status)
	}
	return out
}

// Shutdown closes every connection in parallel.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var clients []*Client
	for _, name := range m.order {
		s := m.servers[name]
		if s.client != nil {
			clients = append(clients, s.client)
			s.client = nil
			s.status = Status{Name: name, State: StateClosed}
		}
		m.registry.RemoveSource(name)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range clients {
		g.Go(func() error {
			if err := c.Close(); err != nil {
				logging.Debug("closing mcp server", "server", c.Name, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (s Status) String() string {
	switch s.State {
	case StateConnected:
		return fmt.Sprintf("%s: connected (%d tools)", s.Name, s.Tools)
	case StatePending:
		return fmt.Sprintf("%s: not started", s.Name)
	default:
		if s.Err != nil {
			return fmt.Sprintf("%s: %s (%v)", s.Name, s.State, s.Err)
		}
		return fmt.Sprintf("%s: %s", s.Name, s.State)
	}
}
