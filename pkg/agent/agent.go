// Package agent runs the tool-call reasoning loop that turns a user
// utterance into a grounded, SQL-backed answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
	"github.com/tabletalk-ai/tabletalk/pkg/grounding"
	"github.com/tabletalk-ai/tabletalk/pkg/llm"
	"github.com/tabletalk-ai/tabletalk/pkg/prompt"
	"github.com/tabletalk-ai/tabletalk/pkg/session"
	"github.com/tabletalk-ai/tabletalk/pkg/tool"
	"github.com/tabletalk-ai/tabletalk/pkg/warehouse"
)

// Result is the outcome of one user turn.
type Result struct {
	SessionID string
	Reply     string

	// Messages is the rendered chat-surface view of the turn, in order.
	Messages []Message

	// State is the terminal loop state: StateDone for an answer,
	// StateAwaitingUser for a clarifying question.
	State State

	// Clarification holds the question when State is StateAwaitingUser.
	Clarification string

	Steps     int
	ToolCalls int

	// Degraded marks an answer forced by the step or tool-call bound.
	Degraded bool
}

// Agent wires the model, tools, grounding and session store into the
// reasoning loop.
type Agent struct {
	provider   llm.Provider
	registry   *tool.Registry
	dispatcher *tool.Dispatcher
	grounding  *grounding.Provider
	warehouse  warehouse.Client
	sessions   session.Store
	assembler  *prompt.Assembler
	cfg        *config.AgentConfig
	logger     *slog.Logger
}

// New assembles an agent.
func New(
	provider llm.Provider,
	registry *tool.Registry,
	dispatcher *tool.Dispatcher,
	groundingProvider *grounding.Provider,
	wh warehouse.Client,
	sessions session.Store,
	assembler *prompt.Assembler,
	cfg *config.AgentConfig,
) *Agent {
	return &Agent{
		provider:   provider,
		registry:   registry,
		dispatcher: dispatcher,
		grounding:  groundingProvider,
		warehouse:  wh,
		sessions:   sessions,
		assembler:  assembler,
		cfg:        cfg,
		logger:     slog.Default().With("component", "agent"),
	}
}

// CreateSession starts a new conversation for userID.
func (a *Agent) CreateSession(ctx context.Context, userID string) (*session.Session, error) {
	return a.sessions.Create(ctx, userID)
}

// Sessions exposes the session store.
func (a *Agent) Sessions() session.Store {
	return a.sessions
}

// Chat runs one user turn to a terminal state.
//
// The session lock is taken without waiting: a concurrent request for the
// same session fails with session.ErrSessionBusy. The lock is released on
// every exit path.
func (a *Agent) Chat(ctx context.Context, sessionID, utterance string) (*Result, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, fmt.Errorf("utterance cannot be empty")
	}

	if _, err := a.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := a.sessions.TryAcquire(sessionID); err != nil {
		return nil, err
	}
	defer a.sessions.Release(sessionID)

	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := a.sessions.AppendTurn(ctx, sessionID, session.Turn{
		Role:    session.RoleUser,
		Content: utterance,
	}); err != nil {
		return nil, err
	}

	// An incoming utterance answers any outstanding clarification.
	if sess.PendingClarification != "" {
		if err := a.sessions.SetPendingClarification(ctx, sessionID, ""); err != nil {
			return nil, err
		}
	}

	if err := a.referenceTablesFromUtterance(ctx, sessionID, utterance); err != nil {
		a.logger.Warn("Failed to reference tables from utterance", "session_id", sessionID, "error", err)
	}

	result, assistantTurn, err := a.runLoop(ctx, sessionID, sess, utterance)
	if err != nil {
		return nil, err
	}

	if err := a.sessions.AppendTurn(ctx, sessionID, *assistantTurn); err != nil {
		return nil, err
	}
	result.Messages = renderTurn(assistantTurn)
	if result.State == StateAwaitingUser {
		if err := a.sessions.SetPendingClarification(ctx, sessionID, result.Clarification); err != nil {
			return nil, err
		}
	}

	a.logger.Info("Turn completed",
		"session_id", sessionID,
		"state", result.State,
		"steps", result.Steps,
		"tool_calls", result.ToolCalls,
		"degraded", result.Degraded)
	return result, nil
}

// runLoop drives the state machine for one turn. It returns the result and
// the assistant turn to persist.
func (a *Agent) runLoop(ctx context.Context, sessionID string, sess *session.Session, utterance string) (*Result, *session.Turn, error) {
	result := &Result{SessionID: sessionID, State: StateAwaitingModel}
	turn := &session.Turn{Role: session.RoleAssistant}

	messages, err := a.buildPrompt(ctx, sessionID, sess, utterance)
	if err != nil {
		var metaErr *grounding.MetadataUnavailableError
		if errors.As(err, &metaErr) {
			a.logger.Error("Grounding unavailable", "session_id", sessionID, "table", metaErr.Table, "error", err)
			return fail(result, turn, failureMessage(err))
		}
		return nil, nil, err
	}

	// Steps counts model calls and executed tool calls together.
	for result.Steps < a.cfg.MaxSteps {
		result.Steps++

		resp, err := a.provider.Generate(ctx, messages, a.registry.Definitions())
		if err != nil {
			return nil, nil, err
		}

		if question, ok := clarificationFrom(resp); ok {
			result.State = StateAwaitingUser
			result.Clarification = question
			result.Reply = question
			turn.Content = question
			return result, turn, nil
		}

		if len(resp.ToolCalls) == 0 {
			result.State = StateDone
			result.Reply = renderReply(resp.Text)
			turn.Content = result.Reply
			return result, turn, nil
		}

		if result.ToolCalls+len(resp.ToolCalls) > a.cfg.MaxToolCalls {
			a.logger.Warn("Tool call bound reached", "session_id", sessionID, "tool_calls", result.ToolCalls)
			return a.degrade(ctx, messages, result, turn)
		}

		result.State = StateExecutingTool
		assistantMsg := llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)

		for _, call := range resp.ToolCalls {
			result.ToolCalls++
			result.Steps++
			record := session.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments}

			output, err := a.dispatcher.Dispatch(ctx, call)
			if err != nil {
				record.Error = err.Error()
				if fatalToolError(err) {
					turn.ToolCalls = append(turn.ToolCalls, record)
					a.logger.Error("Fatal tool error", "session_id", sessionID, "tool", call.Name, "error", err)
					return fail(result, turn, failureMessage(err))
				}
				output = toolErrorMessage(err)
				a.logger.Warn("Tool call failed", "session_id", sessionID, "tool", call.Name, "error", err)
			} else {
				record.Result = output
				a.trackReferencedTable(ctx, sessionID, call)
			}
			turn.ToolCalls = append(turn.ToolCalls, record)

			messages = append(messages, llm.Message{
				Role:    llm.RoleTool,
				Name:    call.Name,
				Content: output,
			})
		}
		result.State = StateAwaitingModel
	}

	a.logger.Warn("Step bound reached", "session_id", sessionID, "steps", result.Steps,
		"error", &StepLimitError{Steps: result.Steps})
	return a.degrade(ctx, messages, result, turn)
}

// degrade forces a final answer from what the loop has gathered so far.
// The model is called once more without tools; if even that fails, a fixed
// apology is returned rather than an error.
func (a *Agent) degrade(ctx context.Context, messages []llm.Message, result *Result, turn *session.Turn) (*Result, *session.Turn, error) {
	result.Degraded = true
	result.State = StateDone

	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "Stop using tools now. Give your best final answer from the information gathered so far, and say what you could not determine.",
	})
	resp, err := a.provider.Generate(ctx, messages, nil)
	if err == nil && strings.TrimSpace(resp.Text) != "" {
		result.Reply = renderReply(resp.Text)
	} else {
		result.Reply = "I could not fully answer this question within the allowed number of steps. Please try a narrower question."
	}
	turn.Content = result.Reply
	return result, turn, nil
}

func (a *Agent) buildPrompt(ctx context.Context, sessionID string, sess *session.Session, utterance string) ([]llm.Message, error) {
	// Re-read: referenceTablesFromUtterance may have extended the list.
	current, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var blocks []*grounding.TableGrounding
	for _, table := range current.ReferencedTables {
		g, err := a.grounding.Get(ctx, table)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, g)
	}

	return a.assembler.Build(prompt.Input{
		Grounding: blocks,
		History:   historyMessages(sess.Turns),
		Utterance: utterance,
	})
}

// referenceTablesFromUtterance matches known table names mentioned in the
// utterance and records them on the session.
func (a *Agent) referenceTablesFromUtterance(ctx context.Context, sessionID, utterance string) error {
	tables, err := a.warehouse.ListTables(ctx)
	if err != nil {
		return err
	}
	lower := strings.ToLower(utterance)
	var matched []string
	for _, table := range tables {
		if containsWord(lower, strings.ToLower(table)) {
			matched = append(matched, table)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return a.sessions.AddReferencedTables(ctx, sessionID, matched)
}

// trackReferencedTable records the table argument of metadata tool calls.
func (a *Agent) trackReferencedTable(ctx context.Context, sessionID string, call llm.ToolCall) {
	switch call.Name {
	case "fetch_schema", "fetch_profiles", "fetch_samples":
	default:
		return
	}
	table, _ := call.Arguments["table"].(string)
	if table == "" {
		return
	}
	if err := a.sessions.AddReferencedTables(ctx, sessionID, []string{table}); err != nil {
		a.logger.Warn("Failed to record referenced table", "session_id", sessionID, "table", table, "error", err)
	}
}

// historyMessages converts persisted turns into evictable prompt history.
// Tool call detail stays out of the prompt; only the conversational text
// survives across turns.
func historyMessages(turns []session.Turn) []llm.Message {
	var out []llm.Message
	for _, turn := range turns {
		if turn.Content == "" {
			continue
		}
		role := llm.RoleUser
		if turn.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: turn.Content})
	}
	return out
}

// containsWord reports whether text contains word as a whole token.
func containsWord(text, word string) bool {
	for _, token := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) {
		if token == word {
			return true
		}
	}
	return false
}

// clarificationFrom extracts the reserved clarification pseudo-call.
func clarificationFrom(resp *llm.Response) (string, bool) {
	for _, call := range resp.ToolCalls {
		if call.Name != tool.ClarificationToolName {
			continue
		}
		question, _ := call.Arguments["question"].(string)
		if strings.TrimSpace(question) == "" {
			question = "Could you clarify what you mean?"
		}
		return question, true
	}
	return "", false
}

// fail ends the turn in StateDone with a plain-language failure answer.
func fail(result *Result, turn *session.Turn, msg string) (*Result, *session.Turn, error) {
	result.State = StateDone
	result.Reply = msg
	turn.Content = msg
	return result, turn, nil
}

// fatalToolError reports whether a tool failure ends the turn instead of
// being fed back to the model. Unknown tools, bad arguments and failed SQL
// are the model's mistakes to correct; everything else that is not
// retryable is terminal, missing metadata in particular.
func fatalToolError(err error) bool {
	var metaErr *grounding.MetadataUnavailableError
	if errors.As(err, &metaErr) {
		return true
	}
	var execErr *tool.ExecutionError
	if !errors.As(err, &execErr) || execErr.Retryable {
		return false
	}
	var queryErr *warehouse.QueryError
	return !errors.As(err, &queryErr)
}

// failureMessage is the user-visible answer for a fatal error.
func failureMessage(err error) string {
	var metaErr *grounding.MetadataUnavailableError
	if errors.As(err, &metaErr) {
		return fmt.Sprintf("I could not load the metadata for table %q, so I cannot answer this right now. Please try again later.", metaErr.Table)
	}
	return "Something went wrong while running a tool, so I could not finish answering. Please try again."
}

// toolErrorMessage is what the model sees when a tool call fails. It keeps
// enough detail to self-correct without leaking internals.
func toolErrorMessage(err error) string {
	var unknownErr *tool.UnknownToolError
	if errors.As(err, &unknownErr) {
		return fmt.Sprintf("Error: there is no tool named %q. Use only the tools provided.", unknownErr.Name)
	}
	var invalidErr *tool.InvalidArgumentsError
	if errors.As(err, &invalidErr) {
		return fmt.Sprintf("Error: invalid arguments: %v. Check the tool's parameter schema and try again.", invalidErr.Err)
	}
	var queryErr *warehouse.QueryError
	if errors.As(err, &queryErr) {
		return fmt.Sprintf("Error: the query failed: %s. Correct the SQL and try again.", queryErr.Message)
	}
	return fmt.Sprintf("Error: the tool failed: %v.", err)
}
