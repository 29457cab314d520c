package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewGeminiProvider(&config.LLMConfig{
		Provider:   "gemini",
		Model:      "gemini-2.5-pro",
		APIKey:     "test-key",
		Host:       server.URL,
		MaxRetries: 1,
		Timeout:    config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	return provider
}

func TestGeminiGenerateText(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "gemini-2.5-pro:generateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		assert.Equal(t, "You answer questions about data.", req.SystemInstruction.Parts[0].Text)
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "user", req.Contents[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": "There were 42 orders."}},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]any{"totalTokenCount": 120},
		})
	})

	resp, err := provider.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "You answer questions about data."},
		{Role: RoleUser, Content: "How many orders last week?"},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "There were 42 orders.", resp.Text)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 120, resp.Tokens)
}

func TestGeminiGenerateToolCall(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		require.Len(t, req.Tools[0].FunctionDeclarations, 1)
		assert.Equal(t, "execute_query", req.Tools[0].FunctionDeclarations[0].Name)

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]any{{
						"functionCall": map[string]any{
							"name": "execute_query",
							"args": map[string]any{"sql": "SELECT COUNT(*) FROM orders"},
						},
					}},
				},
			}},
		})
	})

	resp, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "How many orders?"},
	}, []ToolDefinition{{
		Name:        "execute_query",
		Description: "Run a SQL query",
		Parameters:  map[string]any{"type": "object"},
	}})

	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "execute_query", resp.ToolCalls[0].Name)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", resp.ToolCalls[0].Arguments["sql"])
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
}

func TestGeminiToolResultRoundTrip(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// assistant tool call followed by the tool result
		require.Len(t, req.Contents, 3)
		assert.Equal(t, "model", req.Contents[1].Role)
		require.NotNil(t, req.Contents[1].Parts[0].FunctionCall)
		require.NotNil(t, req.Contents[2].Parts[0].FunctionResponse)
		assert.Equal(t, "fetch_schema", req.Contents[2].Parts[0].FunctionResponse.Name)

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": "done"}},
				},
			}},
		})
	})

	_, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "describe orders"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "fetch_schema", Arguments: map[string]any{"table": "orders"}}}},
		{Role: RoleTool, Name: "fetch_schema", Content: "CREATE TABLE orders (...)"},
	}, nil)
	require.NoError(t, err)
}

func TestGeminiErrorStatus(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "invalid argument"}}`))
	})

	_, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, nil)

	require.Error(t, err)
	var modelErr *ModelError
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, http.StatusBadRequest, modelErr.StatusCode)
}

func TestGeminiNoCandidates(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	})

	_, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, nil)

	var modelErr *ModelError
	require.ErrorAs(t, err, &modelErr)
	assert.Contains(t, modelErr.Message, "no candidates")
}

func TestNewProviderValidation(t *testing.T) {
	_, err := NewGeminiProvider(&config.LLMConfig{Model: "gemini-2.5-pro"})
	assert.Error(t, err)

	_, err = New(&config.LLMConfig{Provider: "unknown"})
	assert.Error(t, err)
}
