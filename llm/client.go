package llm

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/tools"
)

// DefaultMaxTokens caps a single reply when the request does not say.
const DefaultMaxTokens = 4096

// Capabilities describe what a provider supports.
type Capabilities struct {
	Streaming    bool
	ToolCalls    bool
	SystemPrompt bool
}

// Request is one provider call. System messages in Messages carry the
// per-call context; adapters move them to the vendor's system field.
type Request struct {
	Model     string
	Messages  []session.Message
	Tools     []tools.Descriptor
	MaxTokens int64
}

// Event is one item of a response stream: TextDelta, ToolCallRequested,
// TurnComplete or Failed.
type Event interface{ event() }

type TextDelta struct{ Text string }

type ToolCallRequested struct{ Call session.ToolCall }

// TurnComplete ends a successful stream.
type TurnComplete struct{ Usage session.Usage }

// Failed ends an unsuccessful stream.
type Failed struct {
	Kind    errors.Kind
	Message string
	Err     error
}

func (TextDelta) event()         {}
func (ToolCallRequested) event() {}
func (TurnComplete) event()      {}
func (Failed) event()            {}

func (f Failed) Error() string { return string(f.Kind) + ": " + f.Message }

// Provider is the interface for interacting with a Large Language Model.
//
// Send returns a channel that yields text deltas, then tool calls, then
// exactly one TurnComplete or Failed, and is then closed. If ctx is
// cancelled the channel is closed without a terminal event.
type Provider interface {
	ID() string
	Capabilities() Capabilities
	Send(ctx context.Context, req Request) <-chan Event
}

// emitFunc delivers an event, returning false once ctx is done.
type emitFunc func(Event) bool

// stream runs call in a goroutine and turns its outcome into the terminal
// event. call must emit TextDelta and ToolCallRequested events itself.
func stream(ctx context.Context, provider string, call func(emit emitFunc) (session.Usage, error)) <-chan Event {
	ch := make(chan Event, 16)
	emit := func(ev Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		usage, err := call(emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f := Classify(err)
			logging.Warn("provider call failed", "provider", provider, "kind", f.Kind, "error", err)
			emit(f)
			return
		}
		emit(TurnComplete{Usage: usage})
	}()
	return ch
}

// splitSystem joins all system messages and returns the remainder.
func splitSystem(msgs []session.Message) (string, []session.Message) {
	var system []string
	rest := make([]session.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// FoldSystem prepends the system text to the first user message for
// providers without a system prompt.
func FoldSystem(msgs []session.Message) []session.Message {
	system, rest := splitSystem(msgs)
	if system == "" {
		return rest
	}
	for i, m := range rest {
		if m.Role == session.RoleUser {
			rest[i].Content = system + "\n\n" + m.Content
			return rest
		}
	}
	return append([]session.Message{{Role: session.RoleUser, Content: system}}, rest...)
}

func newCallID() string { return "call_" + uuid.NewString() }

func maxTokens(req Request) int64 {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return DefaultMaxTokens
}
