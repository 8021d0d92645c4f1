package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// bedrockInvoker is the part of the Bedrock runtime client we use.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Bedrock calls Anthropic models on AWS Bedrock. The reply arrives in
// one piece and is delivered as a single text delta.
type Bedrock struct {
	id     string
	client bedrockInvoker
}

// NewBedrock creates a new Bedrock provider.
// It requires AWS credentials to be configured in the environment.
func NewBedrock(ctx context.Context, p config.Provider) (*Bedrock, error) {
	var opts []func(*awsconfig.LoadOptions) error
	region := p.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.E(errors.ProviderAuthError, errors.Wrapf(err, "failed to load AWS config"))
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// Custom endpoints are useful for testing.
	endpoint := p.BaseURL
	if endpoint == "" {
		endpoint = os.Getenv("BEDROCK_ENDPOINT_URL")
	}
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Bedrock{id: p.Name, client: client}, nil
}

func (b *Bedrock) ID() string { return b.id }

func (b *Bedrock) Capabilities() Capabilities {
	return Capabilities{Streaming: false, ToolCalls: true, SystemPrompt: true}
}

func (b *Bedrock) Send(ctx context.Context, req Request) <-chan Event {
	return stream(ctx, b.id, func(emit emitFunc) (session.Usage, error) {
		body, err := bedrockRequestBody(req)
		if err != nil {
			return session.Usage{}, errors.Wrapf(err, "failed to create Bedrock request")
		}
		resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(req.Model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return session.Usage{}, err
		}

		reply, err := parseBedrockResponse(resp.Body)
		if err != nil {
			return session.Usage{}, err
		}
		if reply.text != "" && !emit(TextDelta{Text: reply.text}) {
			return session.Usage{}, ctx.Err()
		}
		for _, c := range reply.calls {
			if !emit(ToolCallRequested{Call: c}) {
				return session.Usage{}, ctx.Err()
			}
		}
		return reply.usage, nil
	})
}

type bedrockBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []bedrockBlock `json:"content"`
}

type bedrockTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int64            `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Tools            []bedrockTool    `json:"tools,omitempty"`
}

type bedrockResponse struct {
	Content []bedrockBlock `json:"content"`
	Usage   struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	Error any `json:"error"`
}

type bedrockReply struct {
	text  string
	calls []session.ToolCall
	usage session.Usage
}

// bedrockRequestBody creates the request body for Anthropic models on Bedrock.
func bedrockRequestBody(req Request) ([]byte, error) {
	system, msgs := splitSystem(req.Messages)
	out := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens(req),
		System:           system,
		Messages:         toBedrockMessages(msgs),
	}
	for _, d := range req.Tools {
		out.Tools = append(out.Tools, bedrockTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: objectSchema(d.InputSchema),
		})
	}
	return json.Marshal(out)
}

// toBedrockMessages converts our internal message format to the Anthropic
// wire format. Consecutive messages with the same role are merged.
func toBedrockMessages(msgs []session.Message) []bedrockMessage {
	var out []bedrockMessage
	add := func(role string, blocks ...bedrockBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, bedrockMessage{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case session.RoleUser:
			add("user", bedrockBlock{Type: "text", Text: m.Content})
		case session.RoleAssistant:
			var blocks []bedrockBlock
			if m.Content != "" {
				blocks = append(blocks, bedrockBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, bedrockBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: argsOrEmpty(tc.Args)})
			}
			add("assistant", blocks...)
		case session.RoleTool:
			add("user", bedrockBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content, IsError: m.IsError})
		}
	}
	return out
}

// parseBedrockResponse converts a Bedrock response body into text, tool
// calls and usage.
func parseBedrockResponse(body []byte) (bedrockReply, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return bedrockReply{}, malformed(errors.Wrapf(err, "failed to unmarshal Bedrock response"))
	}
	if resp.Error != nil {
		return bedrockReply{}, errors.New("Bedrock API error: %v", resp.Error)
	}

	var reply bedrockReply
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			reply.text += block.Text
		case "tool_use":
			if block.Name == "" {
				return bedrockReply{}, malformed(errors.New("tool_use block without a name"))
			}
			id := block.ID
			if id == "" {
				id = newCallID()
			}
			reply.calls = append(reply.calls, session.ToolCall{ID: id, Name: block.Name, Args: argsOrEmpty(block.Input)})
		}
	}
	u := resp.Usage
	reply.usage = session.Usage{
		InputTokens:       u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
		CachedInputTokens: u.CacheReadInputTokens,
		OutputTokens:      u.OutputTokens,
	}
	return reply, nil
}
