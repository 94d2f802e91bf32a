package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/llm"
	"github.com/flowrun/flowrun/internal/mcp"
	"github.com/flowrun/flowrun/internal/tools"
	"github.com/flowrun/flowrun/internal/workflow"
)

const (
	// MaxToolIterations bounds the tool-use loop.
	MaxToolIterations = 50
	// MaxMessageHistory is the conversation length at which pruning kicks in.
	MaxMessageHistory = 30
	// MaxToolResultSize truncates oversized tool results (characters).
	MaxToolResultSize = 50000

	defaultModel = "claude-sonnet-4-20250514"
)

// envVarPattern matches {{VAR_NAME}} tokens inside apiKey inputs.
var envVarPattern = regexp.MustCompile(`\{\{([A-Z_][A-Z0-9_]*)\}\}`)

// modelInputLimits guards per-family input size before dispatch.
type modelInputLimits struct {
	maxTokens     int
	maxInputChars int
}

var anthropicLimits = map[string]modelInputLimits{
	"claude-opus-4":   {maxTokens: 16384, maxInputChars: 800000},
	"claude-sonnet-4": {maxTokens: 8192, maxInputChars: 800000},
	"claude-haiku-3":  {maxTokens: 4096, maxInputChars: 400000},
}

// toolBinding records how a declared tool is executed.
type toolBinding struct {
	kind      string // "native" or "mcp"
	name      string // native tool name (local_ prefix stripped)
	serverURL string // mcp server url
	toolName  string // mcp remote tool name
}

// mcpCaller abstracts the MCP client for testing.
type mcpCaller interface {
	CallTool(ctx context.Context, toolName string, arguments map[string]any) (string, error)
}

// Agent orchestrates a provider-agnostic LLM conversation with tool use.
type Agent struct {
	logger    *slog.Logger
	workspace *tools.Workspace
	registry  *llm.ProviderRegistry

	// newMCPCaller is swappable in tests.
	newMCPCaller func(serverURL string) mcpCaller
}

// NewAgent creates the agent handler.
func NewAgent(logger *slog.Logger, workspace *tools.Workspace, registry *llm.ProviderRegistry) *Agent {
	return &Agent{
		logger:    logger,
		workspace: workspace,
		registry:  registry,
		newMCPCaller: func(serverURL string) mcpCaller {
			return mcp.NewClient(serverURL)
		},
	}
}

// CanHandle matches the agent block type.
func (h *Agent) CanHandle(block *workflow.Block) bool {
	return block.Type == "agent"
}

// Execute routes the conversation to the provider detected from the model
// id and drives the tool-use loop until the assistant finishes its turn.
func (h *Agent) Execute(ctx context.Context, _ *executor.ExecutionContext, _ *workflow.Block, inputs map[string]any) (map[string]any, error) {
	model, _ := inputs["model"].(string)
	if model == "" {
		model = defaultModel
	}
	route := llm.DetectRoute(model)

	apiKey := h.apiKey(inputs, route)
	if apiKey == "" {
		return map[string]any{
			"error": fmt.Sprintf("No API key configured for %s. Set %s environment variable.", route.Provider, route.EnvKey),
		}, nil
	}

	messagesText, _ := inputs["messages"].(string)
	if route.Family == llm.FamilyAnthropic {
		if output, blocked := h.guardInputSize(route.Model, messagesText); blocked {
			return output, nil
		}
	}

	temperature := 0.7
	if raw, ok := inputs["temperature"]; ok {
		if f, ok := raw.(float64); ok {
			temperature = f
		}
	}

	toolsConfig, _ := inputs["tools"].([]any)
	declared, bindings := h.buildTools(toolsConfig)

	provider, err := h.provider(route, apiKey)
	if err != nil {
		return map[string]any{"error": err.Error(), "provider": route.Provider}, nil
	}

	maxTokens := 0
	if route.Family == llm.FamilyAnthropic {
		maxTokens = h.anthropicMaxTokens(route.Model)
	}

	messages := []llm.ChatMessage{{Role: llm.RoleUser, Content: messagesText}}
	var allToolCalls []map[string]any
	finalText := ""

	for iteration := 0; iteration < MaxToolIterations; iteration++ {
		resp, err := provider.ChatCompletion(ctx, &llm.ChatRequest{
			Model:       route.Model,
			Messages:    messages,
			Tools:       declared,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return map[string]any{"error": err.Error(), "provider": provider.Name()}, nil
		}

		if resp.Message.Content != "" {
			finalText = resp.Message.Content
		}
		messages = append(messages, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			allToolCalls = append(allToolCalls, map[string]any{
				"id":    call.ID,
				"name":  call.Name,
				"input": call.Input,
			})
		}

		if resp.EndOfTurn() {
			break
		}

		for _, call := range resp.Message.ToolCalls {
			result := h.executeTool(ctx, bindings, call.Name, call.Input)
			for _, record := range allToolCalls {
				if record["id"] == call.ID && record["name"] == call.Name {
					record["result"] = result
				}
			}
			messages = append(messages, llm.ChatMessage{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    truncateToolResult(result),
			})
		}

		messages = pruneMessages(messages)
	}

	output := map[string]any{
		"content":  finalText,
		"model":    model,
		"provider": provider.Name(),
		"toolCalls": map[string]any{
			"list":  toAnySlice(allToolCalls),
			"count": len(allToolCalls),
		},
	}

	if format, ok := inputs["responseFormat"]; ok && format != nil {
		h.parseJSONResponse(output, finalText, format)
	}

	return output, nil
}

// apiKey resolves the key: explicit apiKey input first (with {{VAR}}
// substitution), then the provider's environment variable, then a
// placeholder for self-hosted providers.
func (h *Agent) apiKey(inputs map[string]any, route llm.ModelRoute) string {
	if raw, ok := inputs["apiKey"].(string); ok && raw != "" {
		if !envVarPattern.MatchString(raw) {
			return raw
		}
		substituted := envVarPattern.ReplaceAllStringFunc(raw, func(token string) string {
			return os.Getenv(envVarPattern.FindStringSubmatch(token)[1])
		})
		if key := strings.TrimSpace(substituted); key != "" {
			return key
		}
	}

	if value := os.Getenv(route.EnvKey); value != "" {
		return value
	}
	if route.AllowPlaceholderKey {
		return "not-needed"
	}
	return ""
}

// provider builds the client for a route via the registry.
func (h *Agent) provider(route llm.ModelRoute, apiKey string) (llm.Provider, error) {
	config := llm.DefaultProviderConfig()
	config.APIKey = apiKey

	if route.BaseURLEnv != "" {
		if base := os.Getenv(route.BaseURLEnv); base != "" {
			config.BaseURL = base
		}
	}
	if config.BaseURL == "" {
		config.BaseURL = route.DefaultBaseURL
	}

	if route.Provider == llm.ProviderAzure {
		config.BaseURL = os.Getenv("AZURE_OPENAI_ENDPOINT")
		config.APIVersion = os.Getenv("AZURE_OPENAI_API_VERSION")
		if config.APIVersion == "" {
			config.APIVersion = "2024-02-01"
		}
	}

	return h.registry.GetProvider(route.Provider, config)
}

func (h *Agent) anthropicMaxTokens(model string) int {
	limits, ok := anthropicLimits[anthropicFamily(model)]
	if !ok {
		return anthropicLimits["claude-sonnet-4"].maxTokens
	}
	return limits.maxTokens
}

func (h *Agent) guardInputSize(model, messages string) (map[string]any, bool) {
	limits, ok := anthropicLimits[anthropicFamily(model)]
	if !ok {
		limits = anthropicLimits["claude-sonnet-4"]
	}
	if len(messages) > limits.maxInputChars {
		preview := messages
		if len(preview) > 500 {
			preview = preview[:500]
		}
		return map[string]any{
			"error":             fmt.Sprintf("Message too long for %s", model),
			"truncated_preview": preview,
		}, true
	}
	return nil, false
}

func anthropicFamily(model string) string {
	for family := range anthropicLimits {
		if strings.Contains(model, family) {
			return family
		}
	}
	return "claude-sonnet-4"
}

// buildTools assembles the declared tool list and the execution bindings:
// native workspace tools auto-registered when a workspace is configured,
// MCP tools from the block config, and other declared native tools.
func (h *Agent) buildTools(toolsConfig []any) ([]llm.Tool, map[string]toolBinding) {
	var declared []llm.Tool
	bindings := make(map[string]toolBinding)

	for _, tool := range h.nativeWorkspaceTools() {
		declared = append(declared, tool)
		bindings[tool.Name] = toolBinding{
			kind: "native",
			name: strings.TrimPrefix(tool.Name, "local_"),
		}
	}

	for _, raw := range toolsConfig {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		toolType, _ := entry["type"].(string)

		switch toolType {
		case "mcp":
			params, _ := entry["params"].(map[string]any)
			schema, _ := entry["schema"].(map[string]any)

			toolName, _ := params["toolName"].(string)
			if toolName == "" {
				toolName, _ = entry["title"].(string)
			}
			serverURL, _ := params["serverUrl"].(string)

			description, _ := schema["description"].(string)
			if description == "" {
				description = fmt.Sprintf("MCP tool: %s", toolName)
			}

			inputSchema := map[string]any{"type": "object", "properties": map[string]any{}}
			if properties, ok := schema["properties"].(map[string]any); ok {
				inputSchema["properties"] = properties
			}
			if schemaType, ok := schema["type"].(string); ok && schemaType != "" {
				inputSchema["type"] = schemaType
			}
			if required, ok := schema["required"].([]any); ok {
				inputSchema["required"] = required
			}

			declared = append(declared, llm.Tool{
				Name:        toolName,
				Description: description,
				InputSchema: inputSchema,
			})
			bindings[toolName] = toolBinding{
				kind:      "mcp",
				serverURL: serverURL,
				toolName:  toolName,
			}

		case "native":
			toolName, _ := entry["name"].(string)
			if toolName == "" {
				continue
			}
			inputSchema, _ := entry["schema"].(map[string]any)
			if inputSchema == nil {
				inputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			declared = append(declared, llm.Tool{
				Name:        toolName,
				Description: fmt.Sprintf("Native tool: %s", toolName),
				InputSchema: inputSchema,
			})
			bindings[toolName] = toolBinding{kind: "native", name: toolName}
		}
	}

	return declared, bindings
}

// nativeWorkspaceTools declares the filesystem tools exposed to the model
// as local_* when a workspace is configured.
func (h *Agent) nativeWorkspaceTools() []llm.Tool {
	if h.workspace == nil {
		return nil
	}
	root := h.workspace.Root()

	pathProp := map[string]any{"type": "string", "description": "File path relative to workspace directory"}
	contentProp := map[string]any{"type": "string", "description": "Content to write to the file"}
	base64Prop := map[string]any{"type": "string", "description": "Base64-encoded content"}

	declared := []llm.Tool{
		{
			Name:        "local_write_file",
			Description: fmt.Sprintf("Write content to a file in the local workspace (%s). Path is relative to workspace directory.", root),
			InputSchema: objectSchema(map[string]any{"path": pathProp, "content": contentProp}, []any{"path", "content"}),
		},
		{
			Name:        "local_write_bytes",
			Description: fmt.Sprintf("Write base64-decoded binary content to a file in the local workspace (%s).", root),
			InputSchema: objectSchema(map[string]any{"path": pathProp, "content": base64Prop}, []any{"path", "content"}),
		},
		{
			Name:        "local_append_file",
			Description: fmt.Sprintf("Append content to a file in the local workspace (%s), creating it if absent.", root),
			InputSchema: objectSchema(map[string]any{"path": pathProp, "content": contentProp}, []any{"path", "content"}),
		},
		{
			Name:        "local_read_file",
			Description: fmt.Sprintf("Read content from a file in the local workspace (%s). Path is relative to workspace directory.", root),
			InputSchema: objectSchema(map[string]any{"path": pathProp}, []any{"path"}),
		},
		{
			Name:        "local_read_bytes",
			Description: fmt.Sprintf("Read a file from the local workspace (%s) as base64-encoded content.", root),
			InputSchema: objectSchema(map[string]any{"path": pathProp}, []any{"path"}),
		},
		{
			Name:        "local_delete_file",
			Description: fmt.Sprintf("Delete a file from the local workspace (%s).", root),
			InputSchema: objectSchema(map[string]any{"path": pathProp}, []any{"path"}),
		},
		{
			Name:        "local_list_directory",
			Description: fmt.Sprintf("List files and directories in the local workspace (%s). Path is relative to workspace directory.", root),
			InputSchema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path relative to workspace (default: root)", "default": "."},
			}, []any{}),
		},
	}

	if h.workspace.CommandsEnabled() {
		declared = append(declared, llm.Tool{
			Name:        "local_execute_command",
			Description: fmt.Sprintf("Execute a command inside the local workspace (%s). Shell operators are not supported.", root),
			InputSchema: objectSchema(map[string]any{
				"command": map[string]any{"type": "string", "description": "The command to run with its arguments"},
				"cwd":     map[string]any{"type": "string", "description": "Working directory relative to workspace"},
			}, []any{"command"}),
		})
	}

	return declared
}

func objectSchema(properties map[string]any, required []any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// executeTool dispatches one tool call and returns its result as a string.
func (h *Agent) executeTool(ctx context.Context, bindings map[string]toolBinding, name string, input map[string]any) string {
	binding, ok := bindings[name]
	if !ok {
		return jsonError(fmt.Sprintf("Unknown tool: %s", name))
	}

	h.logger.Debug("executing tool", "tool", name, "kind", binding.kind)

	switch binding.kind {
	case "mcp":
		caller := h.newMCPCaller(binding.serverURL)
		result, err := caller.CallTool(ctx, binding.toolName, input)
		if err != nil {
			return jsonError(fmt.Sprintf("MCP tool error: %v", err))
		}
		return result
	case "native":
		return h.executeNativeTool(ctx, binding.name, input)
	default:
		return jsonError("Unsupported tool type")
	}
}

func (h *Agent) executeNativeTool(ctx context.Context, name string, input map[string]any) string {
	if h.workspace == nil {
		return jsonError("No workspace configured")
	}

	path, _ := input["path"].(string)
	content, _ := input["content"].(string)

	var result tools.Result
	switch name {
	case "write_file":
		result = h.workspace.WriteFile(path, content)
	case "write_bytes":
		result = h.workspace.WriteBytes(path, content)
	case "append_file":
		result = h.workspace.AppendFile(path, content)
	case "read_file", "read_text_file":
		result = h.workspace.ReadFile(path)
	case "read_bytes":
		result = h.workspace.ReadBytes(path)
	case "delete_file":
		result = h.workspace.DeleteFile(path)
	case "list_directory":
		if path == "" {
			path = "."
		}
		result = h.workspace.ListDirectory(path)
	case "execute_command":
		command, _ := input["command"].(string)
		cwd, _ := input["cwd"].(string)
		result = h.workspace.ExecuteCommand(ctx, command, cwd)
	default:
		return jsonError(fmt.Sprintf("Unknown native tool: %s", name))
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return jsonError(err.Error())
	}
	return string(encoded)
}

// parseJSONResponse merges structured output into the result when a
// responseFormat is configured, validating against an attached JSON
// schema when present.
func (h *Agent) parseJSONResponse(output map[string]any, finalText string, format any) {
	if finalText == "" {
		return
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(finalText), &parsed); err != nil {
		output["_parse_error"] = fmt.Sprintf("Failed to parse JSON: %v", err)
		return
	}

	if formatMap, ok := format.(map[string]any); ok {
		if schemaDoc, ok := formatMap["schema"]; ok && schemaDoc != nil {
			if err := validateSchema(schemaDoc, parsed); err != nil {
				output["_schema_error"] = fmt.Sprintf("Schema validation failed: %v", err)
			} else {
				output["_schema_valid"] = true
			}
		}
	}

	for k, v := range parsed {
		output[k] = v
	}
}

func validateSchema(schemaDoc, instance any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline://response-format", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("inline://response-format")
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

// pruneMessages keeps the first message and the most recent turns,
// inserting a synthetic marker summarizing the omission.
func pruneMessages(messages []llm.ChatMessage) []llm.ChatMessage {
	if len(messages) <= MaxMessageHistory {
		return messages
	}

	keepRecent := MaxMessageHistory - 1
	omitted := len(messages) - MaxMessageHistory

	pruned := make([]llm.ChatMessage, 0, MaxMessageHistory+1)
	pruned = append(pruned, messages[0])
	pruned = append(pruned, llm.ChatMessage{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("[Previous %d conversation turns omitted for context management]", omitted),
	})
	pruned = append(pruned, messages[len(messages)-keepRecent:]...)
	return pruned
}

// truncateToolResult caps oversized tool results with a marker.
func truncateToolResult(result string) string {
	if len(result) <= MaxToolResultSize {
		return result
	}
	omitted := len(result) - MaxToolResultSize
	return result[:MaxToolResultSize] + fmt.Sprintf("\n... [truncated, %d chars omitted]", omitted)
}

func jsonError(message string) string {
	encoded, _ := json.Marshal(map[string]any{"error": message})
	return string(encoded)
}

func toAnySlice(records []map[string]any) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}
