package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/tools"
	"github.com/ollama/ollama/api"
)

// DefaultOllamaURL is used when neither the provider nor OLLAMA_HOST names a server.
const DefaultOllamaURL = "http://localhost:11434"

// Ollama streams from a local or remote Ollama server.
type Ollama struct {
	id     string
	client *api.Client
}

// NewOllama creates a new Ollama provider. No API key is needed.
func NewOllama(p config.Provider) (*Ollama, error) {
	raw := p.BaseURL
	if raw == "" {
		raw = os.Getenv("OLLAMA_HOST")
	}
	if raw == "" {
		raw = DefaultOllamaURL
	}
	base, err := url.Parse(raw)
	if err != nil || base.Host == "" {
		return nil, errors.Errorf(errors.ConfigError, "invalid Ollama URL %q", raw)
	}
	return &Ollama{id: p.Name, client: api.NewClient(base, http.DefaultClient)}, nil
}

func (o *Ollama) ID() string { return o.id }

func (o *Ollama) Capabilities() Capabilities {
	return Capabilities{Streaming: true, ToolCalls: true, SystemPrompt: true}
}

func (o *Ollama) Send(ctx context.Context, req Request) <-chan Event {
	return stream(ctx, o.id, func(emit emitFunc) (session.Usage, error) {
		streaming := true
		chatReq := &api.ChatRequest{
			Model:    req.Model,
			Messages: toOllamaMessages(req.Messages),
			Tools:    toOllamaTools(req.Tools),
			Stream:   &streaming,
			Options:  map[string]any{"num_predict": maxTokens(req)},
		}

		var usage session.Usage
		var calls []session.ToolCall
		err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" && !emit(TextDelta{Text: resp.Message.Content}) {
				return ctx.Err()
			}
			for _, tc := range resp.Message.ToolCalls {
				calls = append(calls, session.ToolCall{
					ID:   newCallID(),
					Name: tc.Function.Name,
					Args: argsOrEmpty(tc.Function.Arguments),
				})
			}
			if resp.Done {
				usage = session.Usage{
					InputTokens:  int64(resp.PromptEvalCount),
					OutputTokens: int64(resp.EvalCount),
				}
			}
			return nil
		})
		if err != nil {
			return session.Usage{}, err
		}

		for _, c := range calls {
			if !emit(ToolCallRequested{Call: c}) {
				return session.Usage{}, ctx.Err()
			}
		}
		return usage, nil
	})
}

// toOllamaMessages converts our internal message format to Ollama's.
func toOllamaMessages(msgs []session.Message) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		msg := api.Message{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case session.RoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					Function: api.ToolCallFunction{Name: tc.Name, Arguments: argsOrEmpty(tc.Args)},
				})
			}
		case session.RoleTool:
			msg.ToolName = m.Name
		}
		out = append(out, msg)
	}
	return out
}

// toOllamaTools converts descriptors to the Ollama function tool format.
func toOllamaTools(ds []tools.Descriptor) []api.Tool {
	if len(ds) == 0 {
		return nil
	}
	out := make([]api.Tool, 0, len(ds))
	for _, d := range ds {
		props, required, _ := splitSchema(d.InputSchema)
		params := api.ToolFunctionParameters{
			Type:       "object",
			Required:   required,
			Properties: make(map[string]api.ToolProperty, len(props)),
		}
		for name, p := range props {
			params.Properties[name] = toOllamaProperty(p)
		}
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func toOllamaProperty(v any) api.ToolProperty {
	var prop api.ToolProperty
	m, ok := v.(map[string]any)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil || json.Unmarshal(b, &m) != nil {
			return prop
		}
	}
	switch t := m["type"].(type) {
	case string:
		prop.Type = api.PropertyType{t}
	default:
		if types := stringList(t); len(types) > 0 {
			prop.Type = api.PropertyType(types)
		}
	}
	prop.Description, _ = m["description"].(string)
	if enum, ok := m["enum"].([]any); ok {
		prop.Enum = enum
	}
	if items, ok := m["items"]; ok {
		prop.Items = items
	}
	return prop
}
