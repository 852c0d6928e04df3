package tools

import (
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// ============================================================================
// SCHEMA INFERENCE
// ============================================================================

// ParametersFromStruct derives the parameter list from a handler's argument
// struct by structural reflection. This runs once at registration; the
// resulting schema is stored as plain data and never re-inspected at call
// time. Field names come from json tags, descriptions and constraints from
// jsonschema tags.
func ParametersFromStruct(prototype interface{}) ([]Parameter, error) {
	if prototype == nil {
		return nil, nil
	}

	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(prototype)
	if schema.Properties == nil {
		return nil, nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	var params []Parameter
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		param := Parameter{
			Name:        pair.Key,
			Type:        mapSchemaType(prop),
			Description: prop.Description,
			Required:    required[pair.Key],
			Default:     prop.Default,
		}
		for _, e := range prop.Enum {
			param.Enum = append(param.Enum, fmt.Sprint(e))
		}
		if len(param.Enum) > 0 {
			param.Type = "enum"
		}
		if prop.Items != nil {
			param.Items = map[string]interface{}{"type": jsonSchemaType(itemType(prop))}
		}
		params = append(params, param)
	}
	return params, nil
}

func mapSchemaType(prop *jsonschema.Schema) string {
	switch prop.Type {
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "array":
		return "array<" + itemType(prop) + ">"
	case "object":
		return "object"
	default:
		return "string"
	}
}

func itemType(prop *jsonschema.Schema) string {
	if prop.Items == nil {
		return "string"
	}
	switch prop.Items.Type {
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "object":
		return "object"
	default:
		return "string"
	}
}

// jsonSchemaType maps a parameter type back to its JSON-schema name.
func jsonSchemaType(paramType string) string {
	switch {
	case paramType == "int":
		return "integer"
	case paramType == "float":
		return "number"
	case paramType == "bool":
		return "boolean"
	case paramType == "object":
		return "object"
	case paramType == "enum", paramType == "string":
		return "string"
	case strings.HasPrefix(paramType, "array"):
		return "array"
	default:
		return "string"
	}
}

// ============================================================================
// SCHEMA BUILDING
// ============================================================================

// BuildJSONSchema renders a descriptor's parameters as the JSON-schema
// object providers expect in a tool definition.
func BuildJSONSchema(desc Descriptor) map[string]interface{} {
	properties := map[string]interface{}{}
	var required []string

	for _, p := range desc.Parameters {
		prop := map[string]interface{}{
			"type": jsonSchemaType(p.Type),
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			enum := make([]interface{}, len(p.Enum))
			for i, e := range p.Enum {
				enum[i] = e
			}
			prop["enum"] = enum
		}
		if strings.HasPrefix(p.Type, "array") {
			items := p.Items
			if items == nil {
				inner := "string"
				if open := strings.Index(p.Type, "<"); open >= 0 && strings.HasSuffix(p.Type, ">") {
					inner = p.Type[open+1 : len(p.Type)-1]
				}
				items = map[string]interface{}{"type": jsonSchemaType(inner)}
			}
			prop["items"] = items
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ============================================================================
// ARGUMENT HANDLING
// ============================================================================

// ValidateArgs checks provided arguments against the descriptor: required
// parameters must be present and enum values must be members.
func ValidateArgs(desc Descriptor, args map[string]interface{}) error {
	var missing []string
	for _, p := range desc.Parameters {
		value, present := args[p.Name]
		if !present {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		if p.Type == "enum" && len(p.Enum) > 0 {
			text := fmt.Sprint(value)
			ok := false
			for _, e := range p.Enum {
				if e == text {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("parameter %q must be one of %v, got %q", p.Name, p.Enum, text)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DecodeArgs fills a handler's argument struct from the raw argument map.
// Numeric arguments arrive as float64 from JSON; weak typing converts them
// to the declared field types.
func DecodeArgs(args map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
