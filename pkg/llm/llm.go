// Package llm defines the model capability the agent core consumes and
// provides the Gemini implementation.
//
// The contract is deliberately narrow: a provider accepts a message list
// and the available tool definitions, and returns either text or tool
// invocations. Clarifying questions travel over the same wire as a call to
// the reserved request_clarification tool, which the agent core intercepts.
package llm

import (
	"context"
	"fmt"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
)

// Role values for messages sent to the model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the model conversation.
type Message struct {
	Role    string
	Content string

	// Name is the tool name for RoleTool messages.
	Name string

	// ToolCalls carries tool invocations issued by an assistant message.
	ToolCalls []ToolCall
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes a callable tool for the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Response is a single model turn: text, tool calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Tokens    int
}

// Provider is the model capability.
type Provider interface {
	// Generate runs one model call. Implementations handle transport
	// retry internally; an error from Generate is terminal for the call.
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)

	// Model returns the model identifier for logging and token counting.
	Model() string

	Close() error
}

// ModelError is a failure reported by the model provider.
type ModelError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ModelError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s model error (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s model error: %s", e.Provider, e.Message)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// New builds a provider from configuration.
func New(cfg *config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
