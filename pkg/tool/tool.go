// Package tool defines the closed set of tools the agent exposes to the
// model and the dispatcher that executes them.
//
// The registry is fixed at construction. The model cannot discover or invoke
// anything outside it, and the reserved request_clarification entry is
// definition-only: it is advertised to the model but intercepted by the
// agent core before dispatch.
package tool

import (
	"context"
	"fmt"

	"github.com/tabletalk-ai/tabletalk/pkg/llm"
)

// ClarificationToolName is the reserved pseudo-tool the model calls to ask
// the user a clarifying question instead of issuing a real tool call.
const ClarificationToolName = "request_clarification"

// CallableTool is a tool the dispatcher can execute.
type CallableTool interface {
	Definition() llm.ToolDefinition
	Call(ctx context.Context, args map[string]any) (string, error)
}

// UnknownToolError means the model requested a tool outside the registry.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// InvalidArgumentsError means the model's arguments did not match the
// tool's schema.
type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error {
	return e.Err
}

// ExecutionError is a tool runtime failure. Retryable marks transient
// failures the dispatcher may re-attempt.
type ExecutionError struct {
	Tool      string
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) IsRetryable() bool {
	return e.Retryable
}

// retryable is satisfied by errors that declare themselves transient.
type retryable interface {
	IsRetryable() bool
}
