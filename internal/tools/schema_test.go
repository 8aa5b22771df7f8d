package tools

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestSchemaJSON(t *testing.T) {
	s := Object(map[string]*Schema{
		"query": String("Search query"),
		"limit": Integer("Max results"),
		"tags":  Array("Filter tags", StringEnum("one tag", "a", "b")),
		"deep": Object(map[string]*Schema{
			"flag": Boolean("A flag"),
		}, "flag"),
	}, "query")

	got := s.JSON()
	if got["type"] != "object" {
		t.Fatalf("type = %v", got["type"])
	}
	props, ok := got["properties"].(map[string]any)
	if !ok || len(props) != 4 {
		t.Fatalf("properties = %v", got["properties"])
	}
	if !reflect.DeepEqual(got["required"], []any{"query"}) {
		t.Errorf("required = %v", got["required"])
	}
	tags := props["tags"].(map[string]any)
	items := tags["items"].(map[string]any)
	if !reflect.DeepEqual(items["enum"], []any{"a", "b"}) {
		t.Errorf("enum = %v", items["enum"])
	}

	// The output must be plain JSON data.
	if _, err := json.Marshal(got); err != nil {
		t.Fatalf("marshal: %v", err)
	}
}

func TestSchemaJSONNil(t *testing.T) {
	var s *Schema
	got := s.JSON()
	if got["type"] != "object" {
		t.Errorf("nil schema should render an empty object schema, got %v", got)
	}
}

func TestSchemaValidate(t *testing.T) {
	s := Object(map[string]*Schema{
		"path":  String("file path"),
		"count": Integer("how many"),
		"ratio": Number("fraction"),
		"deep":  Boolean("recurse"),
		"mode":  StringEnum("mode", "fast", "slow"),
		"names": Array("names", String("one name")),
	}, "path")

	decode := func(t *testing.T, in string) map[string]any {
		t.Helper()
		var v map[string]any
		if err := json.Unmarshal([]byte(in), &v); err != nil {
			t.Fatalf("bad test input: %v", err)
		}
		return v
	}

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{name: "minimal", args: `{"path":"a.txt"}`},
		{name: "full", args: `{"path":"a.txt","count":3,"ratio":0.5,"deep":true,"mode":"fast","names":["x"]}`},
		{name: "unknown fields pass", args: `{"path":"a.txt","extra":42}`},
		{name: "missing required", args: `{"count":3}`, wantErr: true},
		{name: "wrong string type", args: `{"path":7}`, wantErr: true},
		{name: "float for integer", args: `{"path":"a","count":1.5}`, wantErr: true},
		{name: "enum violation", args: `{"path":"a","mode":"medium"}`, wantErr: true},
		{name: "array item type", args: `{"path":"a","names":[1]}`, wantErr: true},
		{name: "null optional ok", args: `{"path":"a","count":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(decode(t, tt.args))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%s) = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}
