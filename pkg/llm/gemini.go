package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
	"github.com/tabletalk-ai/tabletalk/pkg/httpclient"
)

// GeminiProvider talks to the Gemini generateContent REST endpoint.
type GeminiProvider struct {
	cfg    *config.LLMConfig
	client *httpclient.Client
	logger *slog.Logger
}

var _ Provider = (*GeminiProvider)(nil)

// NewGeminiProvider builds a Gemini provider from configuration.
func NewGeminiProvider(cfg *config.LLMConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini: model is required")
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Std()}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseGeminiHeaders),
	)

	return &GeminiProvider{
		cfg:    cfg,
		client: client,
		logger: slog.Default().With("component", "llm", "provider", "gemini"),
	}, nil
}

func (p *GeminiProvider) Model() string { return p.cfg.Model }

func (p *GeminiProvider) Close() error { return nil }

// Generate implements Provider over the non-streaming generateContent call.
func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	reqBody := p.buildRequest(messages, tools)

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ModelError{Provider: "gemini", Message: "failed to encode request", Err: err}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimSuffix(p.cfg.Host, "/"), p.cfg.Model, p.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &ModelError{Provider: "gemini", Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		modelErr := &ModelError{Provider: "gemini", Message: err.Error(), Err: err}
		if resp != nil {
			modelErr.StatusCode = resp.StatusCode
			if body, readErr := io.ReadAll(resp.Body); readErr == nil && len(body) > 0 {
				modelErr.Message = truncate(string(body), 512)
			}
		}
		return nil, modelErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ModelError{Provider: "gemini", StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ModelError{Provider: "gemini", StatusCode: resp.StatusCode, Message: truncate(string(body), 512)}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ModelError{Provider: "gemini", StatusCode: resp.StatusCode, Message: "failed to decode response", Err: err}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &ModelError{Provider: "gemini", StatusCode: resp.StatusCode, Message: "response contained no candidates"}
	}

	out := &Response{Tokens: parsed.UsageMetadata.TotalTokenCount}
	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        uuid.New().String(),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	out.Text = text.String()

	p.logger.Debug("model call completed",
		"model", p.cfg.Model,
		"tokens", out.Tokens,
		"tool_calls", len(out.ToolCalls))

	return out, nil
}

func (p *GeminiProvider) buildRequest(messages []Message, tools []ToolDefinition) *geminiRequest {
	req := &geminiRequest{
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     p.cfg.Temperature,
			MaxOutputTokens: p.cfg.MaxTokens,
		},
	}

	var systemParts []geminiPart
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, geminiPart{Text: msg.Content})
		case RoleUser:
			req.Contents = append(req.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		case RoleAssistant:
			content := geminiContent{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments},
				})
			}
			if len(content.Parts) > 0 {
				req.Contents = append(req.Contents, content)
			}
		case RoleTool:
			req.Contents = append(req.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     msg.Name,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})
		}
	}
	if len(systemParts) > 0 {
		req.SystemInstruction = &geminiContent{Parts: systemParts}
	}

	if len(tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return req
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Gemini wire types.

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}
