// Package schema wraps JSON Schema compilation and validation for job
// data, entity content, and template output.
package schema

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ternarybob/cerebrum/internal/kernelerr"
)

// Compile compiles a JSON Schema document given as decoded JSON.
func Compile(doc map[string]interface{}) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", normalize(doc)); err != nil {
		return nil, kernelerr.Validation("invalid schema document", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, kernelerr.Validation("schema failed to compile", err)
	}
	return compiled, nil
}

// Validate checks a decoded JSON value against a schema document. A nil
// or empty schema accepts everything.
func Validate(doc map[string]interface{}, value interface{}) error {
	if len(doc) == 0 {
		return nil
	}
	compiled, err := Compile(doc)
	if err != nil {
		return err
	}
	if err := compiled.Validate(normalize(value)); err != nil {
		return kernelerr.Validation(fmt.Sprintf("schema validation failed: %v", err), err)
	}
	return nil
}

// normalize rewrites Go-typed values into the shapes the validator
// expects from decoded JSON.
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return value
	}
}
