// Package anthropic implements the llm.Provider contract against the
// Anthropic Messages API, including tool use.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowrun/flowrun/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 8192
)

// Client is an Anthropic API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Anthropic client.
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

// ChatCompletion performs one Messages API turn.
func (c *Client) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	apiReq := c.buildMessagesRequest(req)

	var apiResp messagesResponse
	if err := c.doRequest(ctx, "POST", "/v1/messages", apiReq, &apiResp); err != nil {
		return nil, err
	}

	return c.convertResponse(&apiResp), nil
}

// buildMessagesRequest converts the generic chat request to Anthropic's
// format. Tool results become tool_result content blocks on user turns and
// assistant tool calls become tool_use blocks.
func (c *Client) buildMessagesRequest(req *llm.ChatRequest) *messagesRequest {
	apiReq := &messagesRequest{
		Model:     req.Model,
		MaxTokens: defaultMaxTokens,
	}

	var messages []apiMessage
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			apiReq.System = msg.Content
		case llm.RoleTool:
			// Fold tool results into a user turn, merging with a preceding
			// tool-result turn when present.
			block := contentBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content}
			if n := len(messages); n > 0 && messages[n-1].Role == "user" && messages[n-1].isToolResults() {
				messages[n-1].Content = append(messages[n-1].Content, block)
			} else {
				messages = append(messages, apiMessage{Role: "user", Content: []contentBlock{block}})
			}
		case llm.RoleAssistant:
			var blocks []contentBlock
			if msg.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: call.ID, Name: call.Name, Input: call.Input})
			}
			messages = append(messages, apiMessage{Role: "assistant", Content: blocks})
		default:
			messages = append(messages, apiMessage{Role: "user", Content: []contentBlock{{Type: "text", Text: msg.Content}}})
		}
	}
	apiReq.Messages = messages

	for _, tool := range req.Tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		apiReq.Temperature = req.Temperature
	}

	return apiReq
}

// convertResponse flattens Anthropic content blocks into the generic shape.
func (c *Client) convertResponse(resp *messagesResponse) *llm.ChatResponse {
	message := llm.ChatMessage{Role: llm.RoleAssistant}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			message.Content = block.Text
		case "tool_use":
			message.ToolCalls = append(message.ToolCalls, llm.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}

	return &llm.ChatResponse{
		Model:        resp.Model,
		Message:      message,
		FinishReason: resp.StopReason,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// doRequest performs an HTTP request against the Anthropic API.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

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
			return llm.NewLLMError(providerName, resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
		}
		return llm.NewLLMError(providerName, resp.StatusCode, "", string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", llm.ErrInvalidResponse, err)
	}
	return nil
}
