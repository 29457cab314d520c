package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tabletalk-ai/tabletalk/pkg/llm"
	"github.com/tabletalk-ai/tabletalk/pkg/warehouse"
)

// Registry is the closed tool set. Callable tools are dispatchable;
// definition-only entries are advertised to the model but never executed.
type Registry struct {
	tools       map[string]CallableTool
	defOnly     []llm.ToolDefinition
	definitions []llm.ToolDefinition
}

// NewRegistry builds a registry from callable tools plus any
// definition-only entries.
func NewRegistry(tools []CallableTool, defOnly ...llm.ToolDefinition) *Registry {
	r := &Registry{
		tools:   make(map[string]CallableTool, len(tools)),
		defOnly: defOnly,
	}
	for _, t := range tools {
		r.tools[t.Definition().Name] = t
	}

	for _, t := range r.tools {
		r.definitions = append(r.definitions, t.Definition())
	}
	sort.Slice(r.definitions, func(i, j int) bool {
		return r.definitions[i].Name < r.definitions[j].Name
	})
	r.definitions = append(r.definitions, defOnly...)
	return r
}

// Get returns the callable tool, or an UnknownToolError. Definition-only
// entries are not callable.
func (r *Registry) Get(name string) (CallableTool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return t, nil
}

// Definitions returns every definition shown to the model, callable tools
// first, definition-only entries last.
func (r *Registry) Definitions() []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, len(r.definitions))
	copy(out, r.definitions)
	return out
}

type fetchSchemaArgs struct {
	Table string `json:"table" jsonschema:"required,description=Name of the table to describe"`
}

type fetchProfilesArgs struct {
	Table string `json:"table" jsonschema:"required,description=Name of the table to profile"`
}

type fetchSamplesArgs struct {
	Table string `json:"table" jsonschema:"required,description=Name of the table to sample"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum rows to return,default=5,minimum=1,maximum=50"`
}

type executeQueryArgs struct {
	SQL string `json:"sql" jsonschema:"required,description=A single read-only SELECT statement"`
}

// WarehouseTools builds the callable tools over a warehouse client.
func WarehouseTools(wh warehouse.Client) []CallableTool {
	return []CallableTool{
		MustFunc("fetch_schema",
			"Fetch the CREATE TABLE statement for a table.",
			func(ctx context.Context, args fetchSchemaArgs) (string, error) {
				return wh.FetchDDL(ctx, args.Table)
			}),

		MustFunc("fetch_profiles",
			"Fetch column statistics (null ratio, distinct count, value range) for a table.",
			func(ctx context.Context, args fetchProfilesArgs) (string, error) {
				profiles, err := wh.FetchProfiles(ctx, args.Table)
				if err != nil {
					return "", err
				}
				data, err := json.MarshalIndent(profiles, "", "  ")
				if err != nil {
					return "", fmt.Errorf("failed to encode profiles: %w", err)
				}
				return string(data), nil
			}),

		MustFunc("fetch_samples",
			"Fetch a few representative rows from a table.",
			func(ctx context.Context, args fetchSamplesArgs) (string, error) {
				rs, err := wh.FetchSamples(ctx, args.Table, args.Limit)
				if err != nil {
					return "", err
				}
				return rs.Markdown(), nil
			}),

		MustFunc("execute_query",
			"Execute a single read-only SELECT statement and return the result as a markdown table.",
			func(ctx context.Context, args executeQueryArgs) (string, error) {
				// validated here as well as in the client, so the rule
				// holds for every warehouse backend
				if err := warehouse.ValidateReadOnly(args.SQL); err != nil {
					return "", &warehouse.QueryError{Query: args.SQL, Message: err.Error(), Err: err}
				}
				rs, err := wh.ExecuteQuery(ctx, args.SQL)
				if err != nil {
					return "", err
				}
				return rs.Markdown(), nil
			}),
	}
}

// ClarificationDefinition is the reserved pseudo-tool the agent intercepts.
func ClarificationDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ClarificationToolName,
		Description: "Ask the user a clarifying question when their request is ambiguous. Use this instead of guessing.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question to ask the user",
				},
			},
			"required": []string{"question"},
		},
	}
}
