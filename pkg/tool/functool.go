package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/tabletalk-ai/tabletalk/pkg/llm"
)

// funcTool adapts a typed Go function into a CallableTool, with the
// parameter schema generated from the argument struct's tags.
type funcTool[Args any] struct {
	def      llm.ToolDefinition
	required []string
	fn       func(ctx context.Context, args Args) (string, error)
}

// NewFunc builds a CallableTool from a typed function.
//
// The Args struct drives the schema through json and jsonschema tags:
//
//	type Args struct {
//	    Table string `json:"table" jsonschema:"required,description=Table name"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Row cap,default=5"`
//	}
func NewFunc[Args any](name, description string, fn func(ctx context.Context, args Args) (string, error)) (CallableTool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for tool %s: %w", name, err)
	}
	return &funcTool[Args]{
		def: llm.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  schema,
		},
		required: requiredKeys(schema),
		fn:       fn,
	}, nil
}

// MustFunc is NewFunc for static registrations where a schema failure is a
// programming error.
func MustFunc[Args any](name, description string, fn func(ctx context.Context, args Args) (string, error)) CallableTool {
	t, err := NewFunc(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *funcTool[Args]) Definition() llm.ToolDefinition {
	return t.def
}

func (t *funcTool[Args]) Call(ctx context.Context, raw map[string]any) (string, error) {
	for _, key := range t.required {
		if _, ok := raw[key]; !ok {
			return "", &InvalidArgumentsError{Tool: t.def.Name, Err: fmt.Errorf("missing required argument %q", key)}
		}
	}
	args, err := decodeArgs[Args](raw)
	if err != nil {
		return "", &InvalidArgumentsError{Tool: t.def.Name, Err: err}
	}
	return t.fn(ctx, args)
}

// decodeArgs converts the model's argument map into the typed struct via a
// JSON round trip. Unknown fields are rejected so misspelled argument names
// surface as invalid arguments rather than silently dropping.
func decodeArgs[Args any](raw map[string]any) (Args, error) {
	var args Args
	data, err := json.Marshal(raw)
	if err != nil {
		return args, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, err
	}
	return args, nil
}

// requiredKeys pulls the required property names out of a generated schema.
func requiredKeys(schema map[string]any) []string {
	entries, _ := schema["required"].([]any)
	var keys []string
	for _, e := range entries {
		if key, ok := e.(string); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// generateSchema reflects a JSON schema from the Args type, inlined and
// stripped of $schema noise the model does not need.
func generateSchema[Args any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(Args))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	if out["type"] == nil {
		out["type"] = "object"
	}
	return out, nil
}
