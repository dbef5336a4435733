package toolexecutor

import (
	"context"
	"fmt"
)

// ToolParameter describes one argument of a ToolDefinition.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolHandler is the function behind a ToolDefinition.
type ToolHandler func(ctx context.Context, params map[string]interface{}, tc *ToolContext) (string, error)

// ToolDefinition declares a tool from a flat parameter list and a handler,
// for tools that do not need their own type.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  []ToolParameter
	Handler     ToolHandler
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Validate checks the definition for missing or malformed fields.
func (d ToolDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if d.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	for _, param := range d.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}
	return nil
}

// Tool converts the definition into a Tool.
func (d ToolDefinition) Tool() (Tool, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tool definition: %w", err)
	}
	return &definedTool{def: d, schema: d.schema()}, nil
}

func (d ToolDefinition) schema() map[string]interface{} {
	properties := make(map[string]interface{}, len(d.Parameters))
	required := []string{}

	for _, param := range d.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

type definedTool struct {
	def    ToolDefinition
	schema map[string]interface{}
}

func (t *definedTool) Name() string                       { return t.def.Name }
func (t *definedTool) Description() string                { return t.def.Description }
func (t *definedTool) Parameters() map[string]interface{} { return t.schema }

func (t *definedTool) Execute(ctx context.Context, args map[string]interface{}, tc *ToolContext) (string, error) {
	return t.def.Handler(ctx, args, tc)
}
