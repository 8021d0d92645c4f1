package llm

import (
	"context"
	"strings"

	"github.com/m4xw311/axon/session"
)

// Echo replies with the last user message. It needs no credentials and is
// used for offline runs and front-end testing.
type Echo struct{ id string }

func NewEcho(id string) *Echo {
	if id == "" {
		id = "echo"
	}
	return &Echo{id: id}
}

func (e *Echo) ID() string { return e.id }

func (e *Echo) Capabilities() Capabilities {
	return Capabilities{Streaming: true, SystemPrompt: true}
}

func (e *Echo) Send(ctx context.Context, req Request) <-chan Event {
	return stream(ctx, e.id, func(emit emitFunc) (session.Usage, error) {
		_, msgs := splitSystem(req.Messages)
		var last string
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == session.RoleUser {
				last = msgs[i].Content
				break
			}
		}
		reply := "Echo: " + last
		for _, word := range strings.SplitAfter(reply, " ") {
			if !emit(TextDelta{Text: word}) {
				return session.Usage{}, ctx.Err()
			}
		}
		var in int
		for _, m := range FoldSystem(req.Messages) {
			in += len(m.Content)
		}
		return session.Usage{InputTokens: int64(in / 4), OutputTokens: int64(len(reply) / 4)}, nil
	})
}
