package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
	"github.com/tabletalk-ai/tabletalk/pkg/grounding"
	"github.com/tabletalk-ai/tabletalk/pkg/llm"
)

func newTestAssembler(t *testing.T, promptBudget, historyBudget int) *Assembler {
	t.Helper()
	a, err := NewAssembler(&config.AgentConfig{
		PromptBudgetTokens:  promptBudget,
		HistoryBudgetTokens: historyBudget,
		Clarification:       config.ClarifyAlwaysAsk,
	}, "gpt-4")
	require.NoError(t, err)
	return a
}

func ordersGrounding() *grounding.TableGrounding {
	return &grounding.TableGrounding{
		Table: "orders",
		DDL:   "CREATE TABLE orders (id INTEGER, customer TEXT, amount REAL)",
	}
}

func TestBuildLayout(t *testing.T) {
	a := newTestAssembler(t, 32000, 8000)

	messages, err := a.Build(Input{
		Grounding: []*grounding.TableGrounding{ordersGrounding()},
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "how many orders?"},
			{Role: llm.RoleAssistant, Content: "There are 3 orders."},
		},
		Utterance: "and the total amount?",
	})
	require.NoError(t, err)
	require.Len(t, messages, 4)

	assert.Equal(t, llm.RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "data analyst assistant")
	assert.Contains(t, messages[0].Content, "### Table: orders")
	assert.Contains(t, messages[0].Content, "\n---\n")

	assert.Equal(t, "how many orders?", messages[1].Content)
	assert.Equal(t, llm.RoleUser, messages[3].Role)
	assert.Equal(t, "and the total amount?", messages[3].Content)
}

func TestBuildEvictsOldestHistoryFirst(t *testing.T) {
	a := newTestAssembler(t, 32000, 40)

	long := strings.Repeat("order details ", 10)
	messages, err := a.Build(Input{
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "oldest " + long},
			{Role: llm.RoleAssistant, Content: "middle " + long},
			{Role: llm.RoleUser, Content: "newest"},
		},
		Utterance: "next question",
	})
	require.NoError(t, err)

	var contents []string
	for _, m := range messages[1 : len(messages)-1] {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "\n")
	assert.NotContains(t, joined, "oldest")
	assert.Contains(t, joined, "newest")
}

func TestBuildNonEvictablePartsNeverDropped(t *testing.T) {
	a := newTestAssembler(t, 32000, 0)

	messages, err := a.Build(Input{
		Grounding: []*grounding.TableGrounding{ordersGrounding()},
		History:   []llm.Message{{Role: llm.RoleUser, Content: "old"}},
		Utterance: "current question",
	})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0].Content, "### Table: orders")
	assert.Equal(t, "current question", messages[1].Content)
}

func TestBuildBudgetExceeded(t *testing.T) {
	a := newTestAssembler(t, 50, 10)

	_, err := a.Build(Input{
		Grounding: []*grounding.TableGrounding{ordersGrounding()},
		Utterance: "question",
	})
	var budgetErr *BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, 50, budgetErr.Budget)
	assert.Greater(t, budgetErr.Needed, 50)
}

func TestInstructionsClarificationModes(t *testing.T) {
	inst, err := LoadInstructions()
	require.NoError(t, err)

	always := inst.Render(config.ClarifyAlwaysAsk)
	best := inst.Render(config.ClarifyBestEffort)

	assert.NotEqual(t, always, best)
	assert.Contains(t, always, "instead of guessing")
	assert.Contains(t, best, "stating the assumption")
	assert.Contains(t, always, "request_clarification")

	// unknown mode falls back to always-ask
	assert.Equal(t, always, inst.Render(config.ClarificationMode("bogus")))
}

func TestTokenCounterStable(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	text := "SELECT COUNT(*) FROM orders"
	assert.Equal(t, tc.Count(text), tc.Count(text))
	assert.Greater(t, tc.Count(text), 0)

	msgs := []llm.Message{{Role: llm.RoleUser, Content: text}}
	assert.Greater(t, tc.CountMessages(msgs), tc.Count(text))
}

func TestTokenCounterUnknownModelFallsBack(t *testing.T) {
	tc, err := NewTokenCounter("gemini-2.5-pro")
	require.NoError(t, err)
	assert.Greater(t, tc.Count("hello world"), 0)
}
