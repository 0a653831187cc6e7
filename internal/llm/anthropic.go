package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/httpkit"
)

const (
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicClient streams from the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// selects the public API.
func NewAnthropicClient(apiKey, model, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = anthropicDefaultURL
	}

	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("provider", "anthropic", "model", model),
		httpClient: httpkit.NewClient(
			// Streams are long-lived; ctx owns the deadline. Headers can
			// still be slow on long prompts.
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(120*time.Second),
		),
	}
}

// Name identifies this client in logs and fallback notices.
func (c *AnthropicClient) Name() string { return "anthropic/" + c.model }

// Anthropic request/response types

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// SSE event types for streaming
type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	Error        *anthropicError   `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Complete streams a reply from the Messages API.
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, tools []ToolDefinition) iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		resp, perr := c.send(ctx, messages, tools)
		if perr != nil {
			yield(Token{}, perr)
			return
		}
		defer resp.Body.Close()

		if err := c.readStream(ctx, resp.Body, yield); err != nil {
			yield(Token{}, err)
		}
	}
}

func (c *AnthropicClient) send(ctx context.Context, messages []Message, tools []ToolDefinition) (*http.Response, *ProviderError) {
	anthropicMsgs, systemPrompt := convertToAnthropic(messages)
	anthropicTools := convertToolsToAnthropic(tools)

	c.logger.Debug("preparing request",
		"messages", len(anthropicMsgs),
		"tools", len(anthropicTools),
		"system_len", len(systemPrompt),
	)

	req := anthropicRequest{
		Model:     c.model,
		Messages:  anthropicMsgs,
		System:    systemPrompt,
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
		Tools:     anthropicTools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, &ProviderError{Kind: ErrorOther, Provider: c.Name(), Message: "marshal request", Err: err}
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &ProviderError{Kind: ErrorOther, Provider: c.Name(), Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, c.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("API error", "status", resp.StatusCode, "body", errBody)
		perr := statusError(c.Name(), resp.StatusCode, errBody)
		// 529 is Anthropic's "overloaded", which behaves like throttling.
		if resp.StatusCode == 529 {
			perr.Kind = ErrorRateLimit
		}
		return nil, perr
	}
	return resp, nil
}

// readStream parses SSE frames and yields tokens. It returns nil when
// the consumer stops early or message_stop arrives.
func (c *AnthropicClient) readStream(ctx context.Context, body io.Reader, yield func(Token, error) bool) *ProviderError {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		currentTool *anthropicContent
		toolJSONBuf strings.Builder
		stopReason  string
	)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "event: <type>" followed by "data: <json>"
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)

		c.logger.Log(ctx, LevelTrace, "stream event", "data", data)

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return malformed(c.Name(), err, "undecodable stream event")
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentTool = event.ContentBlock
				toolJSONBuf.Reset()
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" && !yield(Token{Kind: TokenText, Text: event.Delta.Text}, nil) {
					return nil
				}
			case "input_json_delta":
				toolJSONBuf.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool == nil {
				continue
			}
			args := json.RawMessage(toolJSONBuf.String())
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			if !json.Valid(args) {
				return malformed(c.Name(), nil, "tool %q arguments are not valid JSON", currentTool.Name)
			}
			call := ToolCall{ID: currentTool.ID, Name: currentTool.Name, Arguments: args}
			currentTool = nil
			if !yield(Token{Kind: TokenToolCall, ToolCall: call}, nil) {
				return nil
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}

		case "message_stop":
			c.logger.Debug("stream complete", "stop_reason", stopReason)
			return nil

		case "error":
			return anthropicStreamError(c.Name(), event.Error)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return malformed(c.Name(), err, "stream line exceeds buffer")
		}
		return transportError(ctx, c.Name(), err)
	}
	if ctx.Err() != nil {
		return transportError(ctx, c.Name(), ctx.Err())
	}
	return malformed(c.Name(), io.ErrUnexpectedEOF, "stream ended before message_stop")
}

// anthropicStreamError maps an in-stream error event. Overload and rate
// limit events are transient; the rest are not.
func anthropicStreamError(provider string, e *anthropicError) *ProviderError {
	if e == nil {
		return malformed(provider, nil, "error event without body")
	}
	kind := ErrorOther
	switch e.Type {
	case "overloaded_error", "rate_limit_error":
		kind = ErrorRateLimit
	case "api_error":
		kind = ErrorNetwork
	case "authentication_error", "permission_error":
		kind = ErrorAuth
	}
	return &ProviderError{Kind: kind, Provider: provider, Message: e.Type + ": " + e.Message}
}

// convertToAnthropic converts canonical messages to Anthropic format.
// System text moves to the side-channel system prompt, and consecutive
// messages from the same role merge into one message with several
// content blocks, since the API requires strict user/assistant
// alternation.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if text := msg.TextOf(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		var block anthropicContent
		switch c := msg.Content.(type) {
		case Text:
			if c == "" {
				continue
			}
			block = anthropicContent{Type: "text", Text: string(c)}
		case ToolCall:
			input := c.Arguments
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			block = anthropicContent{Type: "tool_use", ID: c.ID, Name: c.Name, Input: input}
		case ToolResult:
			block = anthropicContent{Type: "tool_result", ToolUseID: c.ID, Content: string(c.Content), IsError: c.IsError}
		default:
			continue
		}

		role := string(msg.Role)
		if _, ok := msg.Content.(ToolResult); ok {
			role = string(RoleUser)
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, block)
			continue
		}
		result = append(result, anthropicMessage{Role: role, Content: []anthropicContent{block}})
	}

	return result, strings.Join(systemParts, "\n\n")
}

func convertToolsToAnthropic(tools []ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropicTool, len(tools))
	for i, t := range tools {
		result[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.schema()}
	}
	return result
}

var _ Client = (*AnthropicClient)(nil)
