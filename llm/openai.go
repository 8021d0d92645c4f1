package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/tools"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAI streams from the Chat Completions API.
type OpenAI struct {
	id     string
	client *openai.Client
}

// NewOpenAI creates a new OpenAI provider. It requires the API key
// environment variable (OPENAI_API_KEY by default) to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAI(p config.Provider) (*OpenAI, error) {
	keyEnv := envOr(p.APIKeyEnv, "OPENAI_API_KEY")
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, errors.Errorf(errors.ProviderAuthError, "%s environment variable not set", keyEnv)
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	return &OpenAI{id: p.Name, client: &c}, nil
}

func (o *OpenAI) ID() string { return o.id }

func (o *OpenAI) Capabilities() Capabilities {
	return Capabilities{Streaming: true, ToolCalls: true, SystemPrompt: true}
}

func (o *OpenAI) Send(ctx context.Context, req Request) <-chan Event {
	return stream(ctx, o.id, func(emit emitFunc) (session.Usage, error) {
		params := openai.ChatCompletionNewParams{
			Model:               openai.ChatModel(req.Model),
			Messages:            toOpenAIMessages(req.Messages),
			Tools:               toOpenAITools(req.Tools),
			MaxCompletionTokens: openai.Int(maxTokens(req)),
			StreamOptions:       openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
		}

		s := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer s.Close()
		acc := openai.ChatCompletionAccumulator{}
		var cached int64
		for s.Next() {
			chunk := s.Current()
			acc.AddChunk(chunk)
			if chunk.Usage.PromptTokensDetails.CachedTokens > 0 {
				cached = chunk.Usage.PromptTokensDetails.CachedTokens
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !emit(TextDelta{Text: chunk.Choices[0].Delta.Content}) {
					return session.Usage{}, ctx.Err()
				}
			}
		}
		if err := s.Err(); err != nil {
			return session.Usage{}, err
		}

		if len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return session.Usage{}, malformed(errors.Wrapf(err, "function call arguments for %s", tc.Function.Name))
					}
				}
				id := tc.ID
				if id == "" {
					id = newCallID()
				}
				if !emit(ToolCallRequested{Call: session.ToolCall{ID: id, Name: tc.Function.Name, Args: args}}) {
					return session.Usage{}, ctx.Err()
				}
			}
		}

		return session.Usage{
			InputTokens:       acc.Usage.PromptTokens,
			CachedInputTokens: cached,
			OutputTokens:      acc.Usage.CompletionTokens,
		}, nil
	})
}

// toOpenAIMessages converts our internal message format to OpenAI's.
func toOpenAIMessages(msgs []session.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch m.Role {
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case session.RoleAssistant:
			assistant := openai.ChatCompletionMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(argsOrEmpty(tc.Args))
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, assistant.ToParam())
		case session.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// toOpenAITools converts descriptors to the OpenAI function tool format.
func toOpenAITools(ds []tools.Descriptor) []openai.ChatCompletionToolUnionParam {
	if len(ds) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(ds))
	for _, d := range ds {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  openai.FunctionParameters(objectSchema(d.InputSchema)),
		}))
	}
	return out
}
