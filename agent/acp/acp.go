package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/axon/agent"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
	"github.com/m4xw311/axon/session"
)

// ProtocolVersion is the ACP version this server speaks.
const ProtocolVersion = 1

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// maxResourceSize caps file contents inlined from a resource_link.
const maxResourceSize = 50000

// Options supplies the server's sessions and agents.
type Options struct {
	NewSession  func(name string) (*session.Session, error)
	LoadSession func(name string) (*session.Session, error)
	// NewAgent builds the agent for one ACP session; fe must be its Frontend.
	NewAgent func(ctx context.Context, sess *session.Session, fe agent.Frontend) (*agent.Agent, error)
}

// message is any JSON-RPC 2.0 message: request, notification or response.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message) }

// Server is an Agent Client Protocol server. Messages are newline-delimited
// JSON objects; nothing else is written to out.
type Server struct {
	opts Options
	in   *bufio.Reader

	writeLock sync.Mutex
	out       *bufio.Writer

	mu       sync.Mutex
	sessions map[string]*acpSession
	pending  map[string]chan message
	nextID   int64
	seq      int64

	running sync.WaitGroup
}

// acpSession is one client session and the agent serving it.
type acpSession struct {
	id     string
	agent  *agent.Agent
	fe     *frontend
	cancel context.CancelFunc
}

func NewServer(in io.Reader, out io.Writer, opts Options) *Server {
	return &Server{
		opts:     opts,
		in:       bufio.NewReader(in),
		out:      bufio.NewWriter(out),
		sessions: make(map[string]*acpSession),
		pending:  make(map[string]chan message),
	}
}

// Run serves requests until in is exhausted. Prompts run concurrently with
// the read loop so that permission responses and cancellations are seen.
func (s *Server) Run(ctx context.Context) error {
	logging.Debug("acp server starting")
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.running.Wait()
		s.closeAgents()
	}()

	for {
		line, err := s.in.ReadBytes('\n')
		if payload := bytes.TrimSpace(line); len(payload) > 0 {
			s.dispatch(ctx, payload)
		}
		if err != nil {
			if err == io.EOF {
				logging.Debug("acp: EOF received, exiting")
				return nil
			}
			return errors.Wrapf(err, "acp: read error")
		}
	}
}

func (s *Server) closeAgents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.agent.Close()
		delete(s.sessions, id)
	}
}

func (s *Server) dispatch(ctx context.Context, payload []byte) {
	logging.Debug("acp: received", "payload", string(payload))
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		logging.Warn("acp: JSON parse error", "error", err)
		s.writeError(nil, codeParseError, "Parse error", nil)
		return
	}

	if msg.Method == "" {
		s.resolve(msg)
		return
	}

	switch msg.Method {
	case "initialize":
		s.handleInitialize(msg)
	case "session/new":
		s.handleSessionNew(ctx, msg)
	case "session/load":
		s.handleSessionLoad(ctx, msg)
	case "session/prompt":
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			s.handleSessionPrompt(ctx, msg)
		}()
	case "session/cancel":
		s.handleSessionCancel(msg)
	default:
		if msg.ID != nil {
			s.writeError(msg.ID, codeMethodNotFound, "Method not found", msg.Method)
		}
	}
}

// ---- Output ----

func (s *Server) writeJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	logging.Debug("acp: sending", "payload", string(data))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.writeError(id, codeInternalError, "Internal error", err.Error())
		return
	}
	if err := s.writeJSON(message{JSONRPC: "2.0", ID: id, Result: data}); err != nil {
		logging.Warn("acp: write failed", "error", err)
	}
}

func (s *Server) writeError(id json.RawMessage, code int, msg string, data any) {
	if err := s.writeJSON(message{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}}); err != nil {
		logging.Warn("acp: write failed", "error", err)
	}
}

func (s *Server) notify(method string, params any) {
	if err := s.writeJSON(map[string]any{"jsonrpc": "2.0", "method": method, "params": params}); err != nil {
		logging.Warn("acp: write failed", "error", err)
	}
}

func (s *Server) update(sessionID string, update map[string]any) {
	s.notify("session/update", map[string]any{"sessionId": sessionID, "update": update})
}

// call sends a request to the client and waits for its response.
func (s *Server) call(ctx context.Context, method string, params any, result any) error {
	s.mu.Lock()
	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	ch := make(chan message, 1)
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.writeJSON(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(id), "method": method, "params": params}); err != nil {
		return err
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		return json.Unmarshal(resp.Result, result)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve hands a client response to the waiting call.
func (s *Server) resolve(msg message) {
	s.mu.Lock()
	ch, ok := s.pending[string(bytes.TrimSpace(msg.ID))]
	s.mu.Unlock()
	if !ok {
		logging.Debug("acp: response to unknown request", "id", string(msg.ID))
		return
	}
	ch <- msg
}

// ---- Handlers ----

func (s *Server) handleInitialize(msg message) {
	var p struct {
		ProtocolVersion    int             `json:"protocolVersion"`
		ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	logging.Info("acp client initialized", "protocolVersion", p.ProtocolVersion)
	s.writeResult(msg.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": true,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

type sessionParams struct {
	SessionID  string          `json:"sessionId"`
	Cwd        string          `json:"cwd"`
	McpServers json.RawMessage `json:"mcpServers"`
}

func (s *Server) handleSessionNew(ctx context.Context, msg message) {
	var p sessionParams
	if msg.Params != nil {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
			return
		}
	}
	sess, err := s.opts.NewSession(s.nextSessionID())
	if err != nil {
		s.writeError(msg.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to create session: %v", err))
		return
	}
	if _, err := s.open(ctx, sess); err != nil {
		s.writeError(msg.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to start agent: %v", err))
		return
	}
	logging.Info("acp session created", "session", sess.Name, "cwd", p.Cwd)
	s.writeResult(msg.ID, map[string]any{"sessionId": sess.Name})
}

// handleSessionLoad loads a persisted session and replays its history
// before answering.
func (s *Server) handleSessionLoad(ctx context.Context, msg message) {
	var p sessionParams
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.SessionID == "" {
		s.writeError(msg.ID, codeInvalidParams, "Invalid params", "sessionId is required")
		return
	}
	sess, err := s.opts.LoadSession(p.SessionID)
	if err != nil {
		s.writeError(msg.ID, codeInvalidParams, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}
	if _, err := s.open(ctx, sess); err != nil {
		s.writeError(msg.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to start agent: %v", err))
		return
	}

	for _, m := range sess.History.Messages() {
		switch m.Role {
		case session.RoleUser:
			s.update(p.SessionID, map[string]any{"sessionUpdate": "user_message_chunk", "content": textContent(m.Content)})
		case session.RoleAssistant:
			if m.Content != "" {
				s.update(p.SessionID, map[string]any{"sessionUpdate": "agent_message_chunk", "content": textContent(m.Content)})
			}
			for _, c := range m.ToolCalls {
				s.update(p.SessionID, toolCallUpdate(c))
			}
		case session.RoleTool:
			s.update(p.SessionID, toolResultUpdate(session.ToolResult{ToolCallID: m.ToolCallID, Name: m.Name, Output: m.Content, IsError: m.IsError}))
		}
	}
	s.writeResult(msg.ID, nil)
}

func (s *Server) open(ctx context.Context, sess *session.Session) (*acpSession, error) {
	fe := &frontend{server: s, sessionID: sess.Name}
	a, err := s.opts.NewAgent(ctx, sess, fe)
	if err != nil {
		return nil, err
	}
	as := &acpSession{id: sess.Name, agent: a, fe: fe}
	s.mu.Lock()
	old, replaced := s.sessions[as.id]
	if replaced && old.cancel != nil {
		old.cancel()
	}
	s.sessions[as.id] = as
	s.mu.Unlock()
	if replaced {
		// Close waits for the cancelled turn to finish.
		go old.agent.Close()
	}
	return as, nil
}

// contentBlock is one element of a prompt.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// resource_link
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
	// resource (embedded context)
	Resource *struct {
		URI      string `json:"uri"`
		Text     string `json:"text,omitempty"`
		MimeType string `json:"mimeType,omitempty"`
	} `json:"resource,omitempty"`
}

func (s *Server) handleSessionPrompt(ctx context.Context, msg message) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	s.mu.Lock()
	as, ok := s.sessions[p.SessionID]
	s.mu.Unlock()
	if !ok {
		s.writeError(msg.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	as.cancel = cancel
	s.mu.Unlock()
	as.fe.startTurn()

	err := as.agent.ProcessUserInput(promptCtx, extractUserText(p.Prompt))
	stopReason := "end_turn"
	switch {
	case err == nil, errors.Is(err, agent.ErrExit):
		if as.fe.limitReached() {
			stopReason = "max_turn_requests"
		}
	case promptCtx.Err() != nil:
		stopReason = "cancelled"
	default:
		s.writeError(msg.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	s.writeResult(msg.ID, map[string]any{"stopReason": stopReason})
}

func (s *Server) handleSessionCancel(msg message) {
	var p sessionParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return
	}
	s.mu.Lock()
	as, ok := s.sessions[p.SessionID]
	s.mu.Unlock()
	if ok && as.cancel != nil {
		logging.Info("acp prompt cancelled", "session", p.SessionID)
		as.cancel()
	}
}

// nextSessionID generates a unique session name.
func (s *Server) nextSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("acp_%s_%d", time.Now().Format("20060102-150405"), s.seq)
}

// ---- Content ----

func textContent(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func toolCallUpdate(c session.ToolCall) map[string]any {
	return map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    c.ID,
		"title":         c.Name,
		"kind":          toolKind(c.Name),
		"status":        "pending",
		"rawInput":      c.Args,
	}
}

func toolResultUpdate(r session.ToolResult) map[string]any {
	status := "completed"
	if r.IsError {
		status = "failed"
	}
	return map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    r.ToolCallID,
		"status":        status,
		"content":       []any{map[string]any{"type": "content", "content": textContent(r.Output)}},
	}
}

// toolKind maps a tool to the ACP kind editors use to pick an icon.
func toolKind(name string) string {
	switch {
	case name == "read_file" || name == "list_directory":
		return "read"
	case name == "find":
		return "search"
	case name == "write_file" || name == "update_file":
		return "edit"
	case name == "run_command" || strings.HasPrefix(name, "git_"):
		return "execute"
	}
	return "other"
}

// readFileFromURI reads the contents of a file:// URI.
func readFileFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if u.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", u.Scheme)
	}
	content, err := os.ReadFile(u.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}

// extractUserText joins the prompt's blocks into one user message. Linked
// files are inlined.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource":
			if b.Resource != nil {
				parts = append(parts, fmt.Sprintf("=== Resource: %s ===\n%s\n=== End Resource ===\n", b.Resource.URI, b.Resource.Text))
			}
		case "resource_link":
			parts = append(parts, resourceText(b))
		default:
			logging.Debug("acp: unsupported content block", "type", b.Type)
		}
	}
	return strings.Join(parts, "\n")
}

func resourceText(b contentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}
	if strings.HasPrefix(b.URI, "file://") {
		content, err := readFileFromURI(b.URI)
		if err != nil {
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		} else {
			if len(content) > maxResourceSize {
				content = content[:maxResourceSize] + "\n\n[... truncated to 50KB ...]"
			}
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}
