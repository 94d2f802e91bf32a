// Package google implements the llm.Provider contract against the Gemini
// generateContent API, including function calling.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/flowrun/flowrun/internal/llm"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "google"
)

// Client is a Gemini API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Gemini client.
func NewClient(config *llm.ProviderConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.APIKey == "" {
		return nil, llm.ErrInvalidAPIKey
	}

	baseURL := defaultBaseURL
	if config.BaseURL != "" {
		baseURL = config.BaseURL
	}

	timeout := 120 * time.Second
	if config.Timeout > 0 {
		timeout = config.Timeout
	}

	return &Client{
		apiKey:  config.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return providerName
}

// ChatCompletion performs one generateContent turn.
func (c *Client) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	apiReq := c.buildGenerateRequest(req)

	path := fmt.Sprintf("/models/%s:generateContent?key=%s", url.PathEscape(req.Model), url.QueryEscape(c.apiKey))

	var apiResp generateResponse
	if err := c.doRequest(ctx, path, apiReq, &apiResp); err != nil {
		return nil, err
	}

	if len(apiResp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates returned", llm.ErrInvalidResponse)
	}

	return c.convertResponse(req.Model, &apiResp), nil
}

// buildGenerateRequest converts the generic conversation into Gemini
// contents. Tool results become functionResponse parts; assistant tool
// calls become functionCall parts on model turns.
func (c *Client) buildGenerateRequest(req *llm.ChatRequest) *generateRequest {
	apiReq := &generateRequest{}

	// Tool call ids are Gemini function names; remember the mapping so
	// results can be paired back.
	callNames := make(map[string]string)

	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			apiReq.SystemInstruction = &content{Parts: []part{{Text: msg.Content}}}
		case llm.RoleAssistant:
			var parts []part
			if msg.Content != "" {
				parts = append(parts, part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Name
				parts = append(parts, part{FunctionCall: &functionCall{Name: call.Name, Args: call.Input}})
			}
			apiReq.Contents = append(apiReq.Contents, content{Role: "model", Parts: parts})
		case llm.RoleTool:
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.ToolCallID
			}
			apiReq.Contents = append(apiReq.Contents, content{
				Role:  "user",
				Parts: []part{{FunctionResponse: &functionResponse{Name: name, Response: map[string]any{"result": msg.Content}}}},
			})
		default:
			apiReq.Contents = append(apiReq.Contents, content{Role: "user", Parts: []part{{Text: msg.Content}}})
		}
	}

	if len(req.Tools) > 0 {
		var decls []functionDeclaration
		for _, tool := range req.Tools {
			params := tool.InputSchema
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			decls = append(decls, functionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			})
		}
		apiReq.Tools = []toolDeclarations{{FunctionDeclarations: decls}}
	}

	if req.Temperature != nil || req.MaxTokens > 0 {
		apiReq.GenerationConfig = &generationConfig{Temperature: req.Temperature}
		if req.MaxTokens > 0 {
			apiReq.GenerationConfig.MaxOutputTokens = req.MaxTokens
		}
	}

	return apiReq
}

func (c *Client) convertResponse(model string, resp *generateResponse) *llm.ChatResponse {
	candidate := resp.Candidates[0]
	message := llm.ChatMessage{Role: llm.RoleAssistant}

	for _, p := range candidate.Content.Parts {
		if p.Text != "" {
			message.Content = p.Text
		}
		if p.FunctionCall != nil {
			// Gemini carries no call id; the function name stands in.
			message.ToolCalls = append(message.ToolCalls, llm.ToolCall{
				ID:    p.FunctionCall.Name,
				Name:  p.FunctionCall.Name,
				Input: p.FunctionCall.Args,
			})
		}
	}

	finish := "stop"
	if len(message.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	return &llm.ChatResponse{
		Model:        model,
		Message:      message,
		FinishReason: finish,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			return llm.NewLLMError(providerName, resp.StatusCode, apiErr.Error.Status, apiErr.Error.Message)
		}
		return llm.NewLLMError(providerName, resp.StatusCode, "", string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", llm.ErrInvalidResponse, err)
	}
	return nil
}
