package acp

import (
	"context"
	"fmt"
	"sync"

	"github.com/m4xw311/axon/agent"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
	"github.com/m4xw311/axon/permission"
)

// Permission option IDs offered to the client.
const (
	optionAllowOnce   = "allow-once"
	optionAllowAlways = "allow-always"
	optionRejectOnce  = "reject-once"
)

// frontend turns agent events of one ACP session into session/update
// notifications and permission prompts into session/request_permission
// requests.
type frontend struct {
	server    *Server
	sessionID string

	mu       sync.Mutex
	hitLimit bool
}

func (f *frontend) startTurn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hitLimit = false
}

func (f *frontend) limitReached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hitLimit
}

func (f *frontend) Emit(ev agent.Event) {
	switch ev := ev.(type) {
	case agent.TextDelta:
		f.message(ev.Text)
	case agent.ToolCallAnnounced:
		f.server.update(f.sessionID, toolCallUpdate(ev.Call))
	case agent.ToolResultAnnounced:
		f.server.update(f.sessionID, toolResultUpdate(ev.Result))
	case agent.UsageUpdated:
		logging.Debug("acp usage", "session", f.sessionID, "provider", ev.Request.Provider, "model", ev.Request.Model,
			"input", ev.Request.InputTokens, "output", ev.Request.OutputTokens, "cost", ev.Request.Cost)
	case agent.ErrorOccurred:
		if ev.Kind == errors.TurnLimitExceeded {
			f.mu.Lock()
			f.hitLimit = true
			f.mu.Unlock()
		}
		f.message(fmt.Sprintf("\n\nError: %s\n", ev.Message))
	case agent.Notice:
		f.message(ev.Text + "\n")
	}
}

func (f *frontend) message(text string) {
	f.server.update(f.sessionID, map[string]any{"sessionUpdate": "agent_message_chunk", "content": textContent(text)})
}

// Confirm asks the client through session/request_permission.
func (f *frontend) Confirm(ctx context.Context, req agent.PermissionPromptRequested) (permission.Decision, error) {
	params := map[string]any{
		"sessionId": f.sessionID,
		"toolCall": map[string]any{
			"toolCallId": req.Call.ID,
			"title":      req.Call.Name,
			"kind":       toolKind(req.Call.Name),
			"rawInput":   req.Call.Args,
		},
		"options": []map[string]any{
			{"optionId": optionAllowOnce, "name": "Allow", "kind": "allow_once"},
			{"optionId": optionAllowAlways, "name": "Always allow " + req.Call.Name, "kind": "allow_always"},
			{"optionId": optionRejectOnce, "name": "Reject", "kind": "reject_once"},
		},
	}
	var resp struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := f.server.call(ctx, "session/request_permission", params, &resp); err != nil {
		return permission.Deny, err
	}
	if resp.Outcome.Outcome != "selected" {
		return permission.Deny, nil
	}
	switch resp.Outcome.OptionID {
	case optionAllowOnce:
		return permission.Allow, nil
	case optionAllowAlways:
		return permission.AllowAlways, nil
	}
	return permission.Deny, nil
}
