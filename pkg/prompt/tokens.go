package prompt

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tabletalk-ai/tabletalk/pkg/llm"
)

// TokenCounter counts prompt tokens for a specific model. Budgets are
// enforced against these counts, so they must be stable for identical input.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter builds a counter for a model, falling back to the
// cl100k_base encoding for models tiktoken does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get token encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for a piece of text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessage counts one message including a fixed per-message overhead
// for role framing.
func (tc *TokenCounter) CountMessage(msg llm.Message) int {
	const perMessageOverhead = 3
	n := perMessageOverhead + tc.Count(msg.Content)
	for _, call := range msg.ToolCalls {
		n += tc.Count(call.Name)
		for k, v := range call.Arguments {
			n += tc.Count(k) + tc.Count(fmt.Sprintf("%v", v))
		}
	}
	return n
}

// CountMessages counts a full message list.
func (tc *TokenCounter) CountMessages(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += tc.CountMessage(msg)
	}
	return total
}
