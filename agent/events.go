package agent

import (
	"context"

	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/permission"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/tools"
)

// Event is a rendering event sent to the front-end.
type Event interface{ agentEvent() }

// TextDelta is streamed assistant text.
type TextDelta struct{ Text string }

// ToolCallAnnounced is sent once per tool call, before any prompt.
type ToolCallAnnounced struct {
	Call   session.ToolCall
	Source string
}

// PermissionPromptRequested precedes every Frontend.Confirm call.
type PermissionPromptRequested struct {
	Call       session.ToolCall
	Descriptor tools.Descriptor
}

type ToolResultAnnounced struct{ Result session.ToolResult }

// UsageUpdated follows every completed provider call.
type UsageUpdated struct {
	Request session.Request
	Summary session.Summary
}

type ErrorOccurred struct {
	Kind    errors.Kind
	Message string
}

// Notice is command output. Markdown notices may be rendered.
type Notice struct {
	Text     string
	Markdown bool
}

// TurnFinished marks the end of a user turn, successful or not.
type TurnFinished struct{}

func (TextDelta) agentEvent()                 {}
func (ToolCallAnnounced) agentEvent()         {}
func (PermissionPromptRequested) agentEvent() {}
func (ToolResultAnnounced) agentEvent()       {}
func (UsageUpdated) agentEvent()              {}
func (ErrorOccurred) agentEvent()             {}
func (Notice) agentEvent()                    {}
func (TurnFinished) agentEvent()              {}

// Frontend presents events to the user and answers permission prompts.
// Emit may be called from other goroutines, for example when an MCP server
// exits between turns.
type Frontend interface {
	Emit(Event)
	Confirm(ctx context.Context, req PermissionPromptRequested) (permission.Decision, error)
}

// errorEvent converts err into an ErrorOccurred.
func errorEvent(err error) ErrorOccurred {
	kind := errors.KindOf(err)
	msg := err.Error()
	var e *errors.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	return ErrorOccurred{Kind: kind, Message: msg}
}
