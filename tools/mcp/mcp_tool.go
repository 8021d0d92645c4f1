package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m4xw311/axon/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPTool represents a tool available from an external MCP server.
// It satisfies tools.Tool.
type MCPTool struct {
	def    *mcpsdk.Tool
	schema map[string]any
	client *Client
}

func newTool(c *Client, def *mcpsdk.Tool) *MCPTool {
	return &MCPTool{def: def, schema: schemaMap(def.InputSchema), client: c}
}

// Name is the server's own tool name; providers reject qualified names
// with separators, so names must be unique across servers.
func (t *MCPTool) Name() string { return t.def.Name }

func (t *MCPTool) Description() string { return t.def.Description }

func (t *MCPTool) InputSchema() map[string]any { return t.schema }

// ReadOnly is always false: annotations come from the server and are not
// trusted to skip confirmation.
func (t *MCPTool) ReadOnly() bool { return false }

// Execute sends the call to the server and flattens the result to text.
func (t *MCPTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	res, err := t.client.CallTool(ctx, t.def.Name, args)
	if err != nil {
		return "", err
	}
	text := contentText(res.Content)
	if res.IsError {
		return "", &errors.Error{Kind: errors.ToolExecutionError, Message: text}
	}
	return text, nil
}

func contentText(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		switch c := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, c.Text)
		case *mcpsdk.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", c.MIMEType, len(c.Data)))
		case *mcpsdk.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio %s, %d bytes]", c.MIMEType, len(c.Data)))
		default:
			if data, err := json.Marshal(c); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func schemaMap(s any) map[string]any {
	switch s := s.(type) {
	case nil:
		return map[string]any{"type": "object"}
	case map[string]any:
		return s
	}
	var m map[string]any
	data, err := json.Marshal(s)
	if err != nil || json.Unmarshal(data, &m) != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
