package mcp

import (
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/vargoshq/vargos/internal/tools"
)

func TestSchemaFromMCP(t *testing.T) {
	in := mcpgo.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "search query",
			},
			"mode": map[string]any{
				"type": "string",
				"enum": []any{"fast", "deep"},
			},
			"limit": map[string]any{
				"type": "integer",
			},
			"filters": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "string",
				},
			},
			"options": map[string]any{
				"type":     "object",
				"required": []any{"verbose"},
				"properties": map[string]any{
					"verbose": map[string]any{"type": "boolean"},
					"weight":  map[string]any{"type": "number"},
				},
			},
			"mystery": map[string]any{
				"anyOf": []any{},
			},
		},
		Required: []string{"query"},
	}

	s := schemaFromMCP(in)
	if s.Type != tools.TypeObject {
		t.Fatalf("root type = %q, want object", s.Type)
	}
	if len(s.Required) != 1 || s.Required[0] != "query" {
		t.Fatalf("required = %v", s.Required)
	}

	query := s.Properties["query"]
	if query == nil || query.Type != tools.TypeString || query.Description != "search query" {
		t.Fatalf("query = %+v", query)
	}
	mode := s.Properties["mode"]
	if len(mode.Enum) != 2 || mode.Enum[0] != "fast" {
		t.Fatalf("mode enum = %v", mode.Enum)
	}
	if s.Properties["limit"].Type != tools.TypeInteger {
		t.Fatalf("limit type = %q", s.Properties["limit"].Type)
	}

	filters := s.Properties["filters"]
	if filters.Type != tools.TypeArray || filters.Items == nil || filters.Items.Type != tools.TypeString {
		t.Fatalf("filters = %+v", filters)
	}

	options := s.Properties["options"]
	if options.Type != tools.TypeObject {
		t.Fatalf("options type = %q", options.Type)
	}
	if len(options.Required) != 1 || options.Required[0] != "verbose" {
		t.Fatalf("options required = %v", options.Required)
	}
	if options.Properties["verbose"].Type != tools.TypeBoolean {
		t.Fatalf("verbose type = %q", options.Properties["verbose"].Type)
	}
	if options.Properties["weight"].Type != tools.TypeNumber {
		t.Fatalf("weight type = %q", options.Properties["weight"].Type)
	}

	// Schemas without a recognizable type stay permissive.
	if s.Properties["mystery"].Type != tools.TypeString {
		t.Fatalf("mystery type = %q", s.Properties["mystery"].Type)
	}
}

func TestSchemaFromMCPValidates(t *testing.T) {
	in := mcpgo.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"path": map[string]any{"type": "string"},
		},
		Required: []string{"path"},
	}
	s := schemaFromMCP(in)

	if err := s.Validate(map[string]any{"path": "/tmp/x"}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := s.Validate(map[string]any{}); err == nil {
		t.Fatal("missing required arg accepted")
	}
}

func TestBridgeToolNaming(t *testing.T) {
	tool := mcpgo.Tool{Name: "read_wiki", Description: "Read a wiki page"}
	bt := newBridgeTool("deepwiki", tool, nil, nil)

	if got := bt.Name(); got != "mcp_deepwiki_read_wiki" {
		t.Fatalf("Name() = %q", got)
	}
	if got := bt.OriginalName(); got != "read_wiki" {
		t.Fatalf("OriginalName() = %q", got)
	}
	if got := bt.Description(); got != "[deepwiki] Read a wiki page" {
		t.Fatalf("Description() = %q", got)
	}

	// Tools without a description fall back to their name.
	bare := newBridgeTool("deepwiki", mcpgo.Tool{Name: "ping"}, nil, nil)
	if got := bare.Description(); got != "[deepwiki] ping" {
		t.Fatalf("Description() = %q", got)
	}
}
