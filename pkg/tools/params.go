package tools

import (
	"encoding/json"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/exceptionops/remsy/pkg/models"
)

// normalizeParamType maps the loose type names pack authors write to JSON
// Schema types. Unknown or empty types leave the parameter unconstrained.
func normalizeParamType(t string) string {
	switch t {
	case "string", "str", "text":
		return "string"
	case "int", "integer":
		return "integer"
	case "float", "number", "double":
		return "number"
	case "bool", "boolean":
		return "boolean"
	case "map", "object", "dict":
		return "object"
	case "list", "array":
		return "array"
	}
	return ""
}

// argsSchemaFor compiles a JSON Schema from a tool's declared parameters.
// Undeclared arguments are permitted; required and typed parameters are
// enforced.
func argsSchemaFor(def models.ToolDefinition) (*jsonschema.Schema, error) {
	props := map[string]any{}
	var required []any

	names := make([]string, 0, len(def.Parameters))
	for name := range def.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := def.Parameters[name]
		prop := map[string]any{}
		if t := normalizeParamType(p.Type); t != "" {
			prop["type"] = t
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("args.schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("args.schema.json")
}

// ValidateArgs checks invocation arguments against the tool's declared
// parameters. Arguments are JSON round-tripped first so native Go values
// compare the way the wire form would.
func ValidateArgs(def models.ToolDefinition, args map[string]any) error {
	if len(def.Parameters) == 0 {
		return nil
	}

	schema, err := argsSchemaFor(def)
	if err != nil {
		return models.Errorf(models.KindValidationFailed, "tool parameter schema: %v", err)
	}

	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return models.Errorf(models.KindValidationFailed, "tool arguments not serializable: %v", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return models.Errorf(models.KindValidationFailed, "tool arguments not serializable: %v", err)
	}

	if err := schema.Validate(any(normalized)); err != nil {
		return models.Errorf(models.KindValidationFailed, "tool arguments failed validation: %v", err)
	}
	return nil
}
