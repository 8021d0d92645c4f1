package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/tools"
)

// Anthropic streams from the Anthropic Messages API.
type Anthropic struct {
	id     string
	client *anthropic.Client
}

// NewAnthropic creates a new Anthropic provider.
// It requires the API key environment variable (ANTHROPIC_API_KEY by default) to be set.
func NewAnthropic(p config.Provider) (*Anthropic, error) {
	apiKey := os.Getenv(envOr(p.APIKeyEnv, "ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.Errorf(errors.ProviderAuthError, "%s environment variable not set", envOr(p.APIKeyEnv, "ANTHROPIC_API_KEY"))
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &Anthropic{id: p.Name, client: &client}, nil
}

func (a *Anthropic) ID() string { return a.id }

func (a *Anthropic) Capabilities() Capabilities {
	return Capabilities{Streaming: true, ToolCalls: true, SystemPrompt: true}
}

func (a *Anthropic) Send(ctx context.Context, req Request) <-chan Event {
	return stream(ctx, a.id, func(emit emitFunc) (session.Usage, error) {
		system, msgs := splitSystem(req.Messages)
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(req.Model),
			MaxTokens: maxTokens(req),
			Messages:  toAnthropicMessages(msgs),
			Tools:     toAnthropicTools(req.Tools),
		}
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}

		s := a.client.Messages.NewStreaming(ctx, params)
		defer s.Close()
		var msg anthropic.Message
		for s.Next() {
			ev := s.Current()
			if err := msg.Accumulate(ev); err != nil {
				return session.Usage{}, malformed(err)
			}
			if delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
					if !emit(TextDelta{Text: text.Text}) {
						return session.Usage{}, ctx.Err()
					}
				}
			}
		}
		if err := s.Err(); err != nil {
			return session.Usage{}, err
		}

		for _, block := range msg.Content {
			use, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			args := map[string]any{}
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &args); err != nil {
					return session.Usage{}, malformed(errors.Wrapf(err, "tool input for %s", use.Name))
				}
			}
			if !emit(ToolCallRequested{Call: session.ToolCall{ID: use.ID, Name: use.Name, Args: args}}) {
				return session.Usage{}, ctx.Err()
			}
		}

		u := msg.Usage
		return session.Usage{
			InputTokens:       u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
			CachedInputTokens: u.CacheReadInputTokens,
			OutputTokens:      u.OutputTokens,
		}, nil
	})
}

// toAnthropicMessages converts our internal message format to Anthropic's.
// Consecutive messages with the same role are merged.
func toAnthropicMessages(msgs []session.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	add := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case session.RoleUser:
			add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, argsOrEmpty(tc.Args), tc.Name))
			}
			add(anthropic.MessageParamRoleAssistant, blocks...)
		case session.RoleTool:
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		}
	}
	return out
}

func toAnthropicTools(ds []tools.Descriptor) []anthropic.ToolUnionParam {
	if len(ds) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(ds))
	for _, d := range ds {
		props, required, extra := splitSchema(d.InputSchema)
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties:  props,
				Required:    required,
				ExtraFields: extra,
			},
		}})
	}
	return out
}
