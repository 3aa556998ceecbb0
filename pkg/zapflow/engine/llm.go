// Package engine – llm.go implements the LLM client for chat completions
// with function calling / tool use support.
// Uses the OpenAI-compatible API format, which works with OpenAI, GLM
// (api.z.ai), OpenRouter, Groq and any compatible endpoint.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// ---------- Client ----------

// LLMClient handles communication with the LLM provider API.
type LLMClient struct {
	baseURL    string
	provider   string // "openai", "zai", "openrouter", "groq", ""
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	// callTimeout bounds a single completion request. The enclosing turn
	// context still wins if it expires first.
	callTimeout time.Duration

	// maxRetries is how many additional attempts a retryable failure gets.
	// Model calls get exactly one bounded retry.
	maxRetries int
}

// NewLLMClient creates a new LLM client from config.
func NewLLMClient(cfg *LLMConfig, logger *slog.Logger) *LLMClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	provider := detectProvider(baseURL)
	if provider == "openai" && cfg.Provider != "" && cfg.Provider != "openai" {
		provider = cfg.Provider
	}

	callTimeout := time.Duration(cfg.CallTimeoutSeconds) * time.Second
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}

	return &LLMClient{
		baseURL:     baseURL,
		provider:    provider,
		apiKey:      cfg.APIKey,
		callTimeout: callTimeout,
		maxRetries:  1,
		httpClient: &http.Client{
			// No global timeout — each call uses context.WithTimeout for
			// precise per-call control.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 90 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", provider),
	}
}

// detectProvider infers the provider from the base URL.
func detectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "z.ai/api/paas"):
		return "zai"
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "api.groq.com"):
		return "groq"
	case strings.Contains(baseURL, "mistral.ai"):
		return "mistral"
	case strings.Contains(baseURL, "localhost:11434"),
		strings.Contains(baseURL, "127.0.0.1:11434"),
		strings.Contains(baseURL, "ollama"):
		return "ollama"
	default:
		return "openai" // assume OpenAI-compatible
	}
}

// resolveAPIKey returns the API key to use for this client.
// Priority: 1) explicitly set key, 2) provider-specific env var,
// 3) generic API_KEY.
func (c *LLMClient) resolveAPIKey() string {
	if c.apiKey != "" {
		return c.apiKey
	}
	if key := os.Getenv(providerKeyName(c.provider)); key != "" {
		return key
	}
	return os.Getenv("API_KEY")
}

// providerKeyNames maps provider IDs to their standard API key variable names.
var providerKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"zai":        "ZAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"groq":       "GROQ_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
}

// providerKeyName returns the standard API key variable name for a provider.
func providerKeyName(provider string) string {
	if name, ok := providerKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// Provider returns the detected or configured provider name.
func (c *LLMClient) Provider() string {
	return c.provider
}

// ---------- Wire Types (OpenAI-compatible) ----------

// ChatMessage represents a message in the OpenAI chat format.
// Supports user, system, assistant (with optional tool_calls) and tool
// result messages.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// chatResponse is the OpenAI-compatible chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ToolDefinition is an OpenAI-compatible tool definition for function calling.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function exposed to the LLM.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and serialized arguments from the LLM.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// LLMResponse holds the parsed response from a chat completion.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        LLMUsage
}

// LLMUsage holds token usage information from the API response.
type LLMUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ---------- Error Classification ----------

// llmErrorKind classifies API errors for retry decisions.
type llmErrorKind int

const (
	llmErrorRetryable  llmErrorKind = iota // transient 5xx
	llmErrorRateLimit                      // 429
	llmErrorOverloaded                     // 529 or "overloaded" in body
	llmErrorTimeout                        // request timeout / deadline exceeded
	llmErrorAuth                           // 401, 403
	llmErrorBadRequest                     // 400
	llmErrorFatal                          // everything else
)

// isRetryableKind reports whether the error kind warrants one more attempt.
func (k llmErrorKind) isRetryableKind() bool {
	return k == llmErrorRetryable || k == llmErrorRateLimit || k == llmErrorOverloaded || k == llmErrorTimeout
}

// apiError captures HTTP status and body for classification.
type apiError struct {
	statusCode int
	body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) llmErrorKind {
	bodyLower := strings.ToLower(body)

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return llmErrorRateLimit
	}
	if statusCode == 529 || strings.Contains(bodyLower, "overloaded") {
		return llmErrorOverloaded
	}
	if statusCode == 401 || statusCode == 403 {
		return llmErrorAuth
	}
	if statusCode == 400 {
		return llmErrorBadRequest
	}
	if statusCode >= 500 {
		return llmErrorRetryable
	}
	return llmErrorFatal
}

// classifyTransportError maps transport-level failures to an error kind.
func classifyTransportError(err error) llmErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return llmErrorTimeout
	}
	return llmErrorRetryable
}

// truncate shortens a string to maxLen characters for log/error output.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// ---------- Completion ----------

// CompleteWithTools issues a chat completion offering the given tool set.
// A retryable failure (timeout, 429, 5xx) gets exactly one more attempt;
// everything else fails immediately. All failures come back wrapped in
// ErrExternalService so the orchestrator can apply its fallback reply.
func (c *LLMClient) CompleteWithTools(ctx context.Context, model string, temperature float64, maxTokens int, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Brief pause before the single retry; respect cancellation.
			select {
			case <-ctx.Done():
				return nil, externalErrorf("model call cancelled: %v", ctx.Err())
			case <-time.After(2 * time.Second):
			}
			c.logger.Warn("retrying model call", "attempt", attempt, "error", lastErr)
		}

		resp, err := c.completeOnce(ctx, model, temperature, maxTokens, messages, tools)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := classifyError(err)
		if !kind.isRetryableKind() {
			break
		}
	}
	return nil, externalErrorf("model call failed: %v", lastErr)
}

// classifyError extracts the error kind from an apiError or transport error.
func classifyError(err error) llmErrorKind {
	var ae *apiError
	if errors.As(err, &ae) {
		return classifyAPIError(ae.statusCode, ae.body)
	}
	return classifyTransportError(err)
}

// completeOnce performs a single chat completion request.
func (c *LLMClient) completeOnce(ctx context.Context, model string, temperature float64, maxTokens int, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	reqBody := chatRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	}
	if temperature > 0 {
		reqBody.Temperature = &temperature
	}
	if maxTokens > 0 {
		reqBody.MaxTokens = &maxTokens
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.resolveAPIKey())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{statusCode: resp.StatusCode, body: string(body)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	choice := parsed.Choices[0]
	c.logger.Debug("model call complete",
		"model", model,
		"duration", time.Since(start).Round(time.Millisecond),
		"tool_calls", len(choice.Message.ToolCalls),
		"tokens", parsed.Usage.TotalTokens,
	)

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage: LLMUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}
