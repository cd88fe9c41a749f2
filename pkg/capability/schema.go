package capability

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// datePattern accepts a bare ISO date or a date with a time suffix; the
// canonicalizer collapses equivalent forms before fingerprinting.
const datePattern = `^\d{4}-\d{2}-\d{2}([T ].*)?$`

// decimalPattern constrains string-encoded decimals.
const decimalPattern = `^-?\d+(\.\d+)?$`

// InputSchema renders the contract's input fields as a JSON Schema
// (draft 2020-12) document. Unknown extra properties are allowed so patterns
// can thread host context through without contract churn.
func (c Contract) InputSchema() map[string]any {
	props := make(map[string]any, len(c.Inputs))
	var required []string

	for _, f := range c.Inputs {
		props[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func fieldSchema(f Field) map[string]any {
	switch f.Type {
	case TypeIdentifier:
		return map[string]any{"type": "string", "minLength": 1}
	case TypeDate:
		return map[string]any{"type": "string", "pattern": datePattern}
	case TypeDecimal:
		return map[string]any{
			"type":    []string{"number", "string"},
			"pattern": decimalPattern,
		}
	case TypeEnum:
		vals := make([]any, len(f.Enum))
		for i, v := range f.Enum {
			vals[i] = v
		}
		return map[string]any{"type": "string", "enum": vals}
	case TypeMapping:
		return map[string]any{"type": "object"}
	case TypeList:
		return map[string]any{"type": "array"}
	default: // TypeText
		return map[string]any{"type": "string"}
	}
}

// CompileInputSchema compiles the input schema for runtime validation. The
// adapter validates resolved params against it before dispatching.
func (c Contract) CompileInputSchema() (*jsonschema.Schema, error) {
	doc, err := json.Marshal(c.InputSchema())
	if err != nil {
		return nil, fmt.Errorf("capability %s: schema marshal failed: %w", c.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://dawsos.schemas.local/capabilities/%s.schema.json", c.Name)
	if err := compiler.AddResource(schemaURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("capability %s: schema load failed: %w", c.Name, err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("capability %s: schema compile failed: %w", c.Name, err)
	}
	return compiled, nil
}

// ValidateParams checks resolved params against the contract's input schema.
// Numbers are re-decoded through encoding/json so callers can pass native Go
// values without worrying about the validator's numeric model.
func ValidateParams(schema *jsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("params not serializable: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("params re-decode failed: %w", err)
	}
	return schema.Validate(generic)
}
