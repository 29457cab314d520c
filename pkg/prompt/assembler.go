package prompt

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
	"github.com/tabletalk-ai/tabletalk/pkg/grounding"
	"github.com/tabletalk-ai/tabletalk/pkg/llm"
)

// BudgetExceededError means the non-evictable prompt parts (instructions,
// grounding, current utterance) alone exceed the prompt budget. Evicting
// history cannot fix this.
type BudgetExceededError struct {
	Needed int
	Budget int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("prompt requires %d tokens but the budget is %d", e.Needed, e.Budget)
}

// Input is everything that goes into one model prompt.
type Input struct {
	// Grounding blocks for the tables this session has referenced.
	Grounding []*grounding.TableGrounding

	// History holds prior conversation turns, oldest first. These are
	// evictable.
	History []llm.Message

	// Utterance is the user message being answered.
	Utterance string
}

// Assembler builds the model message list under the configured budgets.
type Assembler struct {
	instructions *Instructions
	counter      *TokenCounter
	mode         config.ClarificationMode

	promptBudget  int
	historyBudget int

	logger *slog.Logger
}

// NewAssembler builds an assembler for a model and agent configuration.
func NewAssembler(cfg *config.AgentConfig, model string) (*Assembler, error) {
	instructions, err := LoadInstructions()
	if err != nil {
		return nil, err
	}
	counter, err := NewTokenCounter(model)
	if err != nil {
		return nil, err
	}
	return &Assembler{
		instructions:  instructions,
		counter:       counter,
		mode:          cfg.Clarification,
		promptBudget:  cfg.PromptBudgetTokens,
		historyBudget: cfg.HistoryBudgetTokens,
		logger:        slog.Default().With("component", "prompt"),
	}, nil
}

// Counter exposes the assembler's token counter.
func (a *Assembler) Counter() *TokenCounter {
	return a.counter
}

// Build assembles the prompt. Instructions, grounding and the current
// utterance are never evicted; history is dropped oldest first until both
// budgets hold.
func (a *Assembler) Build(in Input) ([]llm.Message, error) {
	system := llm.Message{Role: llm.RoleSystem, Content: a.systemContent(in.Grounding)}
	utterance := llm.Message{Role: llm.RoleUser, Content: in.Utterance}

	fixed := a.counter.CountMessage(system) + a.counter.CountMessage(utterance)
	if fixed > a.promptBudget {
		return nil, &BudgetExceededError{Needed: fixed, Budget: a.promptBudget}
	}

	history := in.History
	historyTokens := a.counter.CountMessages(history)
	evicted := 0
	for len(history) > 0 &&
		(historyTokens > a.historyBudget || fixed+historyTokens > a.promptBudget) {
		historyTokens -= a.counter.CountMessage(history[0])
		history = history[1:]
		evicted++
	}
	if evicted > 0 {
		a.logger.Debug("Evicted history from prompt", "messages", evicted, "remaining", len(history))
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, system)
	messages = append(messages, history...)
	messages = append(messages, utterance)
	return messages, nil
}

func (a *Assembler) systemContent(tables []*grounding.TableGrounding) string {
	var b strings.Builder
	b.WriteString(a.instructions.Render(a.mode))
	if len(tables) > 0 {
		b.WriteString(sectionSeparator)
		b.WriteString("## Schema context\n\n")
		for _, g := range tables {
			b.WriteString(g.Render())
			b.WriteString("\n")
		}
	}
	return b.String()
}
