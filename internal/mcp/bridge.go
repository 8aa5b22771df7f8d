package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/vargoshq/vargos/internal/tools"
)

// BridgeTool exposes one remote MCP tool through the local tool interface.
// The registered name is namespaced as mcp_<server>_<tool> so remote tools
// can never shadow built-ins.
type BridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	connected *atomic.Bool
	schema    *tools.Schema
}

func newBridgeTool(server string, tool mcpgo.Tool, cl *mcpclient.Client, connected *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		server:    server,
		tool:      tool,
		client:    cl,
		connected: connected,
		schema:    schemaFromMCP(tool.InputSchema),
	}
}

func (b *BridgeTool) Name() string {
	return "mcp_" + b.server + "_" + b.tool.Name
}

func (b *BridgeTool) Description() string {
	desc := b.tool.Description
	if desc == "" {
		desc = b.tool.Name
	}
	return fmt.Sprintf("[%s] %s", b.server, desc)
}

func (b *BridgeTool) Schema() *tools.Schema {
	return b.schema
}

// OriginalName is the tool name on the remote server.
func (b *BridgeTool) OriginalName() string {
	return b.tool.Name
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]any, _ tools.ToolContext) (*tools.Result, error) {
	if !b.connected.Load() {
		return nil, fmt.Errorf("mcp server %s is not connected", b.server)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", b.tool.Name, err)
	}

	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, tc.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", tc.MIMEType, len(tc.Data)))
		case mcpgo.EmbeddedResource:
			parts = append(parts, "[embedded resource]")
		}
	}
	return &tools.Result{Content: strings.Join(parts, "\n"), IsError: res.IsError}, nil
}

// schemaFromMCP converts a remote JSON schema into the local schema type.
// Constructs the local type cannot express (unions, $refs) degrade to plain
// strings in both the advertised schema and the validator, so the model is
// asked for exactly what validation will accept.
func schemaFromMCP(in mcpgo.ToolInputSchema) *tools.Schema {
	s := &tools.Schema{
		Type:       tools.TypeObject,
		Properties: make(map[string]*tools.Schema, len(in.Properties)),
		Required:   in.Required,
	}
	for name, raw := range in.Properties {
		prop, ok := raw.(map[string]any)
		if !ok {
			s.Properties[name] = tools.String("")
			continue
		}
		s.Properties[name] = convertProperty(prop)
	}
	return s
}

func convertProperty(prop map[string]any) *tools.Schema {
	desc, _ := prop["description"].(string)
	typ, _ := prop["type"].(string)

	switch typ {
	case "object":
		out := &tools.Schema{Type: tools.TypeObject, Description: desc, Properties: map[string]*tools.Schema{}}
		if req, ok := prop["required"].([]any); ok {
			for _, r := range req {
				if name, ok := r.(string); ok {
					out.Required = append(out.Required, name)
				}
			}
		}
		if props, ok := prop["properties"].(map[string]any); ok {
			for name, raw := range props {
				child, ok := raw.(map[string]any)
				if !ok {
					out.Properties[name] = tools.String("")
					continue
				}
				out.Properties[name] = convertProperty(child)
			}
		}
		return out
	case "array":
		items := tools.String("")
		if rawItems, ok := prop["items"].(map[string]any); ok {
			items = convertProperty(rawItems)
		}
		return &tools.Schema{Type: tools.TypeArray, Description: desc, Items: items}
	case "string":
		out := &tools.Schema{Type: tools.TypeString, Description: desc}
		if enum, ok := prop["enum"].([]any); ok {
			for _, e := range enum {
				if v, ok := e.(string); ok {
					out.Enum = append(out.Enum, v)
				}
			}
		}
		return out
	case "number":
		return &tools.Schema{Type: tools.TypeNumber, Description: desc}
	case "integer":
		return &tools.Schema{Type: tools.TypeInteger, Description: desc}
	case "boolean":
		return &tools.Schema{Type: tools.TypeBoolean, Description: desc}
	default:
		// Unions, $refs and missing types all collapse to string.
		return &tools.Schema{Type: tools.TypeString, Description: desc}
	}
}
