// Package openai implements the llm.Provider contract against the Chat
// Completions API. The same client serves every OpenAI-compatible service
// (Azure, OpenRouter, Cerebras, Groq, vLLM, Ollama, DeepSeek, xAI,
// Mistral) via BaseURL and provider-name overrides.
package openai

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
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Client is a Chat Completions API client.
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

// NewClient creates a new OpenAI client.
func NewClient(config *llm.ProviderConfig) (*Client, error) {
	return NewCompatibleClient(providerName, config)
}

// NewCompatibleClient creates a client for any OpenAI-compatible service.
// The name is used for error attribution; BaseURL selects the endpoint.
func NewCompatibleClient(name string, config *llm.ProviderConfig) (*Client, error) {
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
		name:       name,
		apiKey:     config.APIKey,
		baseURL:    baseURL,
		apiVersion: config.APIVersion,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return c.name
}

// ChatCompletion performs one chat completion turn.
func (c *Client) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	apiReq := c.buildChatRequest(req)

	var apiResp chatResponse
	if err := c.doRequest(ctx, "/chat/completions", apiReq, &apiResp); err != nil {
		return nil, err
	}

	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", llm.ErrInvalidResponse)
	}

	return c.convertResponse(&apiResp), nil
}

func (c *Client) buildChatRequest(req *llm.ChatRequest) *chatRequest {
	apiReq := &chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}

	for _, msg := range req.Messages {
		apiMsg := chatMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == llm.RoleTool {
			apiMsg.ToolCallID = msg.ToolCallID
		}
		for _, call := range msg.ToolCalls {
			args, _ := json.Marshal(call.Input)
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, apiToolCall{
				ID:   call.ID,
				Type: "function",
				Function: functionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		apiReq.Messages = append(apiReq.Messages, apiMsg)
	}

	for _, tool := range req.Tools {
		params := tool.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Type: "function",
			Function: functionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	return apiReq
}

func (c *Client) convertResponse(resp *chatResponse) *llm.ChatResponse {
	choice := resp.Choices[0]

	message := llm.ChatMessage{
		Role:    llm.RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, call := range choice.Message.ToolCalls {
		input := map[string]any{}
		if call.Function.Arguments != "" {
			// Malformed arguments degrade to an empty input rather than
			// failing the whole turn.
			_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
		}
		message.ToolCalls = append(message.ToolCalls, llm.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	return &llm.ChatResponse{
		Model:        resp.Model,
		Message:      message,
		FinishReason: choice.FinishReason,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + path
	if c.apiVersion != "" {
		// Azure-style endpoints carry the API version as a query parameter.
		endpoint += "?api-version=" + url.QueryEscape(c.apiVersion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.apiVersion != "" {
		req.Header.Set("api-key", c.apiKey)
	}

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
			return llm.NewLLMError(c.name, resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return llm.NewLLMError(c.name, resp.StatusCode, "", string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", llm.ErrInvalidResponse, err)
	}
	return nil
}
