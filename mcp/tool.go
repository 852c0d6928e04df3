package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loomworks/loom/tools"
)

// ============================================================================
// TOOL ADAPTER
// ============================================================================

// mcpTool exposes one remote tool through the registry's Tool contract.
type mcpTool struct {
	connector   Connector
	name        string
	description string
	parameters  []tools.Parameter
}

var _ tools.Tool = (*mcpTool)(nil)

func (t *mcpTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
		Kind:        tools.KindMCP,
		ServerName:  t.connector.Name(),
	}
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
	content, err := t.connector.Call(ctx, t.name, args)
	if err != nil {
		return tools.ErrorResult(t.name, err.Error()), err
	}
	return &tools.Result{
		Success:  true,
		Content:  string(content),
		ToolName: t.name,
	}, nil
}

// ============================================================================
// SCHEMA CONVERSION
// ============================================================================

// toSchemaMap converts an mcp-go typed schema into a plain map.
func toSchemaMap(schema interface{}) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// schemaToParameters flattens a JSON-schema object into the registry's
// parameter list. Properties are sorted by name so descriptors stay stable
// across connections.
func schemaToParameters(schema map[string]interface{}) []tools.Parameter {
	if schema == nil {
		return nil
	}
	properties, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	required := map[string]bool{}
	if rawRequired, ok := schema["required"].([]interface{}); ok {
		for _, name := range rawRequired {
			if text, ok := name.(string); ok {
				required[text] = true
			}
		}
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tools.Parameter, 0, len(names))
	for _, name := range names {
		prop, ok := properties[name].(map[string]interface{})
		if !ok {
			continue
		}
		param := tools.Parameter{
			Name:     name,
			Type:     propertyType(prop),
			Required: required[name],
		}
		if description, ok := prop["description"].(string); ok {
			param.Description = description
		}
		if rawEnum, ok := prop["enum"].([]interface{}); ok && len(rawEnum) > 0 {
			param.Type = "enum"
			for _, e := range rawEnum {
				param.Enum = append(param.Enum, fmt.Sprint(e))
			}
		}
		if items, ok := prop["items"].(map[string]interface{}); ok {
			param.Items = items
		}
		if def, ok := prop["default"]; ok {
			param.Default = def
		}
		params = append(params, param)
	}
	return params
}

func propertyType(prop map[string]interface{}) string {
	rawType, _ := prop["type"].(string)
	switch rawType {
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "object":
		return "object"
	case "array":
		inner := "string"
		if items, ok := prop["items"].(map[string]interface{}); ok {
			if itemType, ok := items["type"].(string); ok {
				switch itemType {
				case "integer":
					inner = "int"
				case "number":
					inner = "float"
				case "boolean":
					inner = "bool"
				case "object":
					inner = "object"
				}
			}
		}
		return "array<" + inner + ">"
	default:
		return "string"
	}
}
