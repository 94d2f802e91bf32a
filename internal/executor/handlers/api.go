package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/executor/resolver"
	"github.com/flowrun/flowrun/internal/workflow"
)

const defaultRequestTimeout = 30

// API performs HTTP requests for api blocks.
type API struct {
	resolver *resolver.Resolver
	logger   *slog.Logger
	client   *http.Client
}

// NewAPI creates the api handler.
func NewAPI(logger *slog.Logger) *API {
	return &API{
		resolver: resolver.New(),
		logger:   logger,
		client:   &http.Client{},
	}
}

// CanHandle matches HTTP request block types.
func (h *API) CanHandle(block *workflow.Block) bool {
	switch block.Type {
	case "api", "http", "request", "webhook":
		return true
	}
	return false
}

// Execute performs the request described by the block inputs. Expected
// failures (timeout, connection refused, bad URL) are returned as output
// values; 429 and 503 responses surface as errors so the executor's
// transient retry applies.
func (h *API) Execute(ctx context.Context, ec *executor.ExecutionContext, _ *workflow.Block, inputs map[string]any) (map[string]any, error) {
	rawURL, _ := inputs["url"].(string)
	if rawURL == "" {
		return map[string]any{"error": "No URL provided"}, nil
	}

	resolvedURL := rawURL
	if resolved, ok := h.resolver.Resolve(rawURL, ec).(string); ok {
		resolvedURL = resolved
	}
	if strings.HasPrefix(resolvedURL, "<") {
		return map[string]any{"error": fmt.Sprintf("Failed to resolve URL reference: %s", resolvedURL)}, nil
	}

	method, _ := inputs["method"].(string)
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	timeoutSeconds := defaultRequestTimeout
	if raw, ok := inputs["timeout"]; ok {
		if n, ok := asInt(raw); ok && n > 0 {
			timeoutSeconds = n
		}
	}
	timeout := time.Duration(timeoutSeconds) * time.Second

	headers := h.buildHeaders(ec, inputs["headers"])

	var body any
	if raw, ok := inputs["body"]; ok && raw != nil {
		body = h.resolver.Resolve(raw, ec)
	}

	target, err := url.Parse(resolvedURL)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("Invalid URL: %v", err), "url": resolvedURL}, nil
	}
	if params, ok := inputs["params"].(map[string]any); ok && len(params) > 0 {
		query := target.Query()
		for k, v := range params {
			resolved := h.resolver.Resolve(v, ec)
			query.Set(k, resolver.Stringify(resolved))
		}
		target.RawQuery = query.Encode()
	}

	var bodyReader io.Reader
	if body != nil && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		switch body.(type) {
		case map[string]any, []any:
			encoded, err := json.Marshal(body)
			if err != nil {
				return map[string]any{"error": fmt.Sprintf("Failed to encode body: %v", err), "url": resolvedURL}, nil
			}
			bodyReader = bytes.NewReader(encoded)
			if _, present := headers["Content-Type"]; !present {
				headers["Content-Type"] = "application/json"
			}
		default:
			bodyReader = strings.NewReader(resolver.Stringify(body))
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), bodyReader)
	if err != nil {
		return map[string]any{"error": err.Error(), "url": resolvedURL}, nil
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return h.classifyRequestError(err, resolvedURL, timeoutSeconds), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("Failed to read response: %v", err), "url": resolvedURL}, nil
	}

	// Retryable service responses enter the retry path instead of becoming
	// block output right away.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("HTTP %d %s for %s", resp.StatusCode, http.StatusText(resp.StatusCode), resolvedURL)
	}

	var data any = string(respBody)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			data = parsed
		}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		respHeaders[key] = resp.Header.Get(key)
	}

	h.logger.Debug("api request completed",
		"method", method,
		"url", resolvedURL,
		"status", resp.StatusCode,
	)

	return map[string]any{
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"headers":    respHeaders,
		"data":       data,
		"ok":         resp.StatusCode >= 200 && resp.StatusCode < 300,
		"url":        resolvedURL,
	}, nil
}

// buildHeaders accepts either a mapping or a list of {cells: {Key, Value}}
// rows and resolves every value.
func (h *API) buildHeaders(ec *executor.ExecutionContext, raw any) map[string]string {
	headers := make(map[string]string)

	switch v := raw.(type) {
	case map[string]any:
		for key, value := range v {
			resolved := h.resolver.Resolve(value, ec)
			if resolved == nil {
				headers[key] = ""
			} else {
				headers[key] = resolver.Stringify(resolved)
			}
		}
	case []any:
		for _, item := range v {
			row, ok := item.(map[string]any)
			if !ok {
				continue
			}
			cells := row
			if nested, ok := row["cells"].(map[string]any); ok {
				cells = nested
			}
			key, _ := cells["Key"].(string)
			if key == "" {
				key, _ = cells["key"].(string)
			}
			value, hasUpper := cells["Value"]
			if !hasUpper {
				value = cells["value"]
			}
			if key == "" {
				continue
			}
			resolved := h.resolver.Resolve(value, ec)
			if resolved == nil {
				headers[key] = ""
			} else {
				headers[key] = resolver.Stringify(resolved)
			}
		}
	}

	return headers
}

// classifyRequestError maps transport failures onto the documented output
// shapes.
func (h *API) classifyRequestError(err error, url string, timeoutSeconds int) map[string]any {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return map[string]any{"error": fmt.Sprintf("Request timed out after %ds", timeoutSeconds), "url": url}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return map[string]any{"error": fmt.Sprintf("Connection failed: %v", err), "url": url}
	}

	return map[string]any{"error": err.Error(), "url": url}
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
