package llm

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/exceptionops/remsy/pkg/models"
)

// Stage output schema names. Each agent stage declares one when calling the
// fabric; the model's JSON is validated against it before it reaches a merge.
const (
	SchemaTriage     = "triage"
	SchemaPolicy     = "policy"
	SchemaResolution = "resolution"
	SchemaSupervisor = "supervisor"
	SchemaFeedback   = "feedback"
)

//go:embed schemas/*.json
var stageSchemaFS embed.FS

type stageSchema struct {
	schema *jsonschema.Schema
	// fields are the allowed top-level keys; sanitization drops the rest.
	fields map[string]bool
}

var (
	stageSchemasOnce sync.Once
	stageSchemas     map[string]*stageSchema
	stageSchemasErr  error
)

func stageSchemaFor(name string) (*stageSchema, error) {
	stageSchemasOnce.Do(func() {
		stageSchemas, stageSchemasErr = loadStageSchemas()
	})
	if stageSchemasErr != nil {
		return nil, models.Errorf(models.KindFatal, "stage schemas unavailable: %w", stageSchemasErr)
	}
	ss, ok := stageSchemas[name]
	if !ok {
		return nil, models.Errorf(models.KindFatal, "unknown stage schema %q", name)
	}
	return ss, nil
}

func loadStageSchemas() (map[string]*stageSchema, error) {
	names := []string{SchemaTriage, SchemaPolicy, SchemaResolution, SchemaSupervisor, SchemaFeedback}
	out := make(map[string]*stageSchema, len(names))
	for _, name := range names {
		file := "schemas/" + name + ".schema.json"
		data, err := stageSchemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}

		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}

		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(file, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", file, err)
		}
		schema, err := compiler.Compile(file)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", file, err)
		}

		fields := make(map[string]bool)
		if m, ok := doc.(map[string]any); ok {
			if props, ok := m["properties"].(map[string]any); ok {
				for k := range props {
					fields[k] = true
				}
			}
		}
		out[name] = &stageSchema{schema: schema, fields: fields}
	}
	return out, nil
}

// ParseStageOutput turns raw model text into a validated stage output map.
// The text is scanned for a JSON object, validated against the named schema,
// sanitized, and re-validated. Sanitization repairs exactly two benign
// classes — unknown top-level fields are dropped and confidence/relevance
// numbers are clamped to [0, 1] — so the re-validation is decisive. A missing
// required field is never default-filled; it fails with ValidationFailed.
func ParseStageOutput(schemaName, text string) (map[string]any, error) {
	ss, err := stageSchemaFor(schemaName)
	if err != nil {
		return nil, err
	}

	extracted := ExtractJSON(text)
	if extracted == "" {
		return nil, models.Errorf(models.KindValidationFailed, "no JSON object in %s output", schemaName)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(extracted), &doc); err != nil {
		return nil, models.Errorf(models.KindValidationFailed, "malformed %s output: %w", schemaName, err)
	}

	firstErr := ss.schema.Validate(any(doc))
	sanitized := sanitizeStageOutput(doc, ss.fields)
	if err := ss.schema.Validate(any(sanitized)); err != nil {
		// Prefer the pre-sanitization error: it names the field the model
		// actually got wrong.
		if firstErr != nil {
			err = firstErr
		}
		return nil, models.Errorf(models.KindValidationFailed, "%s output failed validation: %v", schemaName, err)
	}
	return sanitized, nil
}

func sanitizeStageOutput(doc map[string]any, allowed map[string]bool) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if !allowed[k] {
			continue
		}
		out[k] = clampUnitValues(k, v)
	}
	return out
}

// clampUnitValues clamps confidence and relevance numbers to [0, 1],
// recursing into nested maps and lists.
func clampUnitValues(key string, v any) any {
	switch val := v.(type) {
	case float64:
		if key == "confidence" || key == "relevance" {
			return models.ClampConfidence(val)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[k] = clampUnitValues(k, nested)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = clampUnitValues(key, item)
		}
		return out
	default:
		return v
	}
}
