package llm

import (
	"context"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Gemini streams from the Google Gemini API.
type Gemini struct {
	id     string
	client *genai.Client
}

// NewGemini creates a new Gemini provider.
// It requires the API key environment variable (GEMINI_API_KEY by default) to be set.
func NewGemini(ctx context.Context, p config.Provider) (*Gemini, error) {
	keyEnv := envOr(p.APIKeyEnv, "GEMINI_API_KEY")
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, errors.Errorf(errors.ProviderAuthError, "%s environment variable not set", keyEnv)
	}

	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if p.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(p.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &Gemini{id: p.Name, client: client}, nil
}

func (g *Gemini) ID() string { return g.id }

func (g *Gemini) Capabilities() Capabilities {
	return Capabilities{Streaming: true, ToolCalls: true, SystemPrompt: true}
}

// Close releases the underlying client.
func (g *Gemini) Close() error { return g.client.Close() }

func (g *Gemini) Send(ctx context.Context, req Request) <-chan Event {
	return stream(ctx, g.id, func(emit emitFunc) (session.Usage, error) {
		system, msgs := splitSystem(req.Messages)
		history := toGeminiContents(msgs)
		if len(history) == 0 {
			return session.Usage{}, errors.New("no messages to send")
		}

		model := g.client.GenerativeModel(req.Model)
		model.Tools = toGeminiTools(req.Tools)
		model.SetMaxOutputTokens(int32(maxTokens(req)))
		if system != "" {
			model.SystemInstruction = genai.NewUserContent(genai.Text(system))
		}

		last := history[len(history)-1]
		chat := model.StartChat()
		chat.History = history[:len(history)-1]
		it := chat.SendMessageStream(ctx, last.Parts...)

		var usage session.Usage
		var calls []session.ToolCall
		for {
			resp, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return session.Usage{}, err
			}
			if resp.UsageMetadata != nil {
				usage = session.Usage{
					InputTokens:       int64(resp.UsageMetadata.PromptTokenCount),
					CachedInputTokens: int64(resp.UsageMetadata.CachedContentTokenCount),
					OutputTokens:      int64(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				switch v := part.(type) {
				case genai.Text:
					if v != "" && !emit(TextDelta{Text: string(v)}) {
						return session.Usage{}, ctx.Err()
					}
				case genai.FunctionCall:
					calls = append(calls, session.ToolCall{ID: newCallID(), Name: v.Name, Args: argsOrEmpty(v.Args)})
				}
			}
		}

		for _, c := range calls {
			if !emit(ToolCallRequested{Call: c}) {
				return session.Usage{}, ctx.Err()
			}
		}
		return usage, nil
	})
}

// toGeminiContents converts our internal message format to Gemini's.
// Tool results travel as function responses in a user turn; consecutive
// turns with the same role are merged.
func toGeminiContents(msgs []session.Message) []*genai.Content {
	var out []*genai.Content
	add := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, m := range msgs {
		switch m.Role {
		case session.RoleAssistant:
			var parts []genai.Part
			if m.Content != "" {
				parts = append(parts, genai.Text(m.Content))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: argsOrEmpty(tc.Args)})
			}
			add("model", parts...)
		case session.RoleTool:
			resp := map[string]any{"output": m.Content}
			if m.IsError {
				resp = map[string]any{"error": m.Content}
			}
			add("user", genai.FunctionResponse{Name: m.Name, Response: resp})
		default:
			add("user", genai.Text(m.Content))
		}
	}
	return out
}

// toGeminiTools converts descriptors to Gemini function declarations.
func toGeminiTools(ds []tools.Descriptor) []*genai.Tool {
	if len(ds) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(ds))
	for _, d := range ds {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toGeminiSchema(objectSchema(d.InputSchema)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts the subset of JSON Schema Gemini understands.
func toGeminiSchema(s map[string]any) *genai.Schema {
	out := &genai.Schema{}
	switch t, _ := s["type"].(string); t {
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	default:
		out.Type = genai.TypeObject
	}
	out.Description, _ = s["description"].(string)
	out.Format, _ = s["format"].(string)
	out.Enum = stringList(s["enum"])
	if items, ok := s["items"].(map[string]any); ok {
		out.Items = toGeminiSchema(items)
	} else if out.Type == genai.TypeArray {
		out.Items = &genai.Schema{Type: genai.TypeString}
	}
	if props, ok := s["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	out.Required = stringList(s["required"])
	return out
}
