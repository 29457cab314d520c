package agent

import (
	"strings"

	"github.com/tabletalk-ai/tabletalk/pkg/session"
)

// Message is one entry of the rendered chat surface.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// renderTurn converts the persisted assistant turn into the ordered
// messages the chat surface returns. Markdown in the model's answer passes
// through untouched; tool arguments and raw grounding never appear.
func renderTurn(turn *session.Turn) []Message {
	content := strings.TrimSpace(turn.Content)
	if content == "" {
		return nil
	}
	return []Message{{Role: turn.Role, Content: content}}
}

// renderReply normalizes the model's answer for the chat surface.
func renderReply(text string) string {
	return strings.TrimSpace(text)
}
