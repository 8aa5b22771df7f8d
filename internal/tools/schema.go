// Package tools owns the tool registry, the tool contract the agent loop
// consumes, and the built-in tools that ship with the gateway.
package tools

import (
	"fmt"
	"math"
)

// Schema type discriminators. A schema is a small sum over these; Object
// and Array carry children, the primitives stand alone.
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
)

// Schema declares a tool's parameters independent of any provider's
// function-calling format. JSON() produces the provider-facing shape.
type Schema struct {
	Type        string
	Description string

	// object
	Properties map[string]*Schema
	Required   []string

	// array
	Items *Schema

	// string
	Enum []string
}

// Object builds an object schema. Required names must exist in props.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: TypeObject, Properties: props, Required: required}
}

// String builds a string parameter schema.
func String(desc string) *Schema { return &Schema{Type: TypeString, Description: desc} }

// StringEnum builds a string parameter limited to the given values.
func StringEnum(desc string, values ...string) *Schema {
	return &Schema{Type: TypeString, Description: desc, Enum: values}
}

// Number builds a float parameter schema.
func Number(desc string) *Schema { return &Schema{Type: TypeNumber, Description: desc} }

// Integer builds an integer parameter schema.
func Integer(desc string) *Schema { return &Schema{Type: TypeInteger, Description: desc} }

// Boolean builds a boolean parameter schema.
func Boolean(desc string) *Schema { return &Schema{Type: TypeBoolean, Description: desc} }

// Array builds an array parameter schema.
func Array(desc string, items *Schema) *Schema {
	return &Schema{Type: TypeArray, Description: desc, Items: items}
}

// JSON converts the schema to the JSON-schema subset provider
// function-calling APIs accept. The output is freshly built on every call
// so callers may mutate it.
func (s *Schema) JSON() map[string]any {
	if s == nil {
		return map[string]any{"type": TypeObject, "properties": map[string]any{}}
	}
	out := map[string]any{"type": s.Type}
	if s.Description != "" {
		out["description"] = s.Description
	}
	switch s.Type {
	case TypeObject:
		props := make(map[string]any, len(s.Properties))
		for name, child := range s.Properties {
			props[name] = child.JSON()
		}
		out["properties"] = props
		if len(s.Required) > 0 {
			req := make([]any, len(s.Required))
			for i, r := range s.Required {
				req[i] = r
			}
			out["required"] = req
		}
	case TypeArray:
		if s.Items != nil {
			out["items"] = s.Items.JSON()
		}
	case TypeString:
		if len(s.Enum) > 0 {
			enum := make([]any, len(s.Enum))
			for i, v := range s.Enum {
				enum[i] = v
			}
			out["enum"] = enum
		}
	}
	return out
}

// Validate checks decoded JSON args against the schema. It covers what the
// loop needs before dispatch: required fields present, value kinds match.
// Unknown fields pass through untouched since providers may add metadata.
func (s *Schema) Validate(value any) error {
	return s.validate("", value)
}

func (s *Schema) validate(path string, value any) error {
	if s == nil {
		return nil
	}
	at := func() string {
		if path == "" {
			return "arguments"
		}
		return path
	}
	switch s.Type {
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", at())
		}
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				return fmt.Errorf("%s: missing required field %q", at(), name)
			}
		}
		for name, child := range s.Properties {
			v, present := obj[name]
			if !present || v == nil {
				continue
			}
			childPath := name
			if path != "" {
				childPath = path + "." + name
			}
			if err := child.validate(childPath, v); err != nil {
				return err
			}
		}
	case TypeArray:
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", at())
		}
		for i, item := range arr {
			if err := s.Items.validate(fmt.Sprintf("%s[%d]", at(), i), item); err != nil {
				return err
			}
		}
	case TypeString:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", at())
		}
		if len(s.Enum) > 0 {
			for _, v := range s.Enum {
				if str == v {
					return nil
				}
			}
			return fmt.Errorf("%s: %q not in %v", at(), str, s.Enum)
		}
	case TypeNumber:
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("%s: expected number", at())
		}
	case TypeInteger:
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("%s: expected integer", at())
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", at())
		}
	}
	return nil
}
