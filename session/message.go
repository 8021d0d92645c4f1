package session

import (
	"sync"

	"github.com/m4xw311/axon/errors"
)

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a provider-issued request to run a tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and Name are set on tool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolResult is the outcome of a single tool call.
type ToolResult struct {
	ToolCallID string      `json:"tool_call_id"`
	Name       string      `json:"name"`
	Output     string      `json:"output"`
	IsError    bool        `json:"is_error"`
	Kind       errors.Kind `json:"kind,omitempty"`
}

// Message converts the result into the tool-role message stored in History.
func (r ToolResult) Message() Message {
	return Message{Role: RoleTool, Content: r.Output, ToolCallID: r.ToolCallID, Name: r.Name, IsError: r.IsError}
}

// History is the ordered conversation. It only grows, except for Reset.
type History struct {
	mu   sync.RWMutex
	msgs []Message
}

func NewHistory(msgs ...Message) *History {
	return &History{msgs: append([]Message(nil), msgs...)}
}

// Append adds messages atomically with respect to readers.
func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
}

// Messages returns a copy of the conversation.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}

// Reset empties the conversation. Only /clear calls this.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
}

// Dangling returns tool calls that have no matching tool message.
func (h *History) Dangling() []ToolCall {
	h.mu.RLock()
	defer h.mu.RUnlock()
	answered := make(map[string]bool)
	for _, m := range h.msgs {
		if m.Role == RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	var out []ToolCall
	for _, m := range h.msgs {
		for _, c := range m.ToolCalls {
			if !answered[c.ID] {
				out = append(out, c)
			}
		}
	}
	return out
}
