package llm

import (
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

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/httpkit"
)

const ollamaDefaultURL = "http://localhost:11434"

// OllamaClient streams from an Ollama server's /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL, model string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = ollamaDefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		logger:  logger.With("provider", "ollama", "model", model),
		httpClient: httpkit.NewClient(
			// Large local models can take minutes to load before the
			// first header arrives.
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(5*time.Minute),
		),
	}
}

// Name identifies this client in logs and fallback notices.
func (c *OllamaClient) Name() string { return "ollama/" + c.model }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"` // Ollama sends an object, not a string
	} `json:"function"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaChunk struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// Complete streams a reply as newline-delimited JSON chunks.
func (c *OllamaClient) Complete(ctx context.Context, messages []Message, tools []ToolDefinition) iter.Seq2[Token, error] {
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

func (c *OllamaClient) send(ctx context.Context, messages []Message, tools []ToolDefinition) (*http.Response, *ProviderError) {
	req := ollamaChatRequest{
		Model:    c.model,
		Messages: convertToOllama(messages),
		Stream:   true,
		Tools:    convertToolsToOllama(tools),
	}

	c.logger.Debug("preparing request", "messages", len(req.Messages), "tools", len(req.Tools))

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, &ProviderError{Kind: ErrorOther, Provider: c.Name(), Message: "marshal request", Err: err}
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &ProviderError{Kind: ErrorOther, Provider: c.Name(), Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, c.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("API error", "status", resp.StatusCode, "body", errBody)
		return nil, statusError(c.Name(), resp.StatusCode, errBody)
	}
	return resp, nil
}

// readStream decodes chunks until done. Many local models print tool
// calls as JSON text instead of using the native field, so content that
// opens like a tool call is held back until the stream ends and then
// either parsed as calls or released as ordinary text.
func (c *OllamaClient) readStream(ctx context.Context, body io.Reader, yield func(Token, error) bool) *ProviderError {
	decoder := json.NewDecoder(body)

	var (
		held     strings.Builder
		holding  bool
		decided  bool
		sawCalls bool
	)

	for {
		var chunk ollamaChunk
		if err := decoder.Decode(&chunk); err != nil {
			if ctx.Err() != nil {
				return transportError(ctx, c.Name(), ctx.Err())
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return malformed(c.Name(), err, "stream ended before done")
			case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
				return malformed(c.Name(), err, "undecodable stream chunk")
			default:
				return transportError(ctx, c.Name(), err)
			}
		}

		if chunk.Error != "" {
			return &ProviderError{Kind: ErrorOther, Provider: c.Name(), Message: chunk.Error}
		}

		if text := chunk.Message.Content; text != "" {
			if !decided {
				trimmed := strings.TrimSpace(text)
				if trimmed != "" {
					decided = true
					holding = looksLikeToolCall(trimmed)
				}
			}
			if holding || !decided {
				held.WriteString(text)
			} else {
				if held.Len() > 0 {
					text = held.String() + text
					held.Reset()
				}
				if !yield(Token{Kind: TokenText, Text: text}, nil) {
					return nil
				}
			}
		}

		for _, tc := range chunk.Message.ToolCalls {
			sawCalls = true
			if !yield(Token{Kind: TokenToolCall, ToolCall: c.toolCall(tc.Function.Name, tc.Function.Arguments)}, nil) {
				return nil
			}
		}

		if chunk.Done {
			c.logger.Debug("stream complete",
				"input_tokens", chunk.PromptEvalCount,
				"output_tokens", chunk.EvalCount,
			)
			break
		}
	}

	if held.Len() == 0 {
		return nil
	}
	if !sawCalls {
		if parsed := parseTextToolCalls(held.String()); len(parsed) > 0 {
			for _, tc := range parsed {
				if !yield(Token{Kind: TokenToolCall, ToolCall: c.toolCall(tc.Name, tc.Arguments)}, nil) {
					return nil
				}
			}
			return nil
		}
	}
	yield(Token{Kind: TokenText, Text: held.String()}, nil)
	return nil
}

// toolCall assigns an ID, since Ollama does not send one.
func (c *OllamaClient) toolCall(name string, args json.RawMessage) ToolCall {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	return ToolCall{ID: "call_" + uuid.NewString(), Name: name, Arguments: args}
}

func looksLikeToolCall(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") || strings.HasPrefix(s, "<tool_call>")
}

type textToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handles a bare JSON object, a JSON array, and <tool_call> tags.
func parseTextToolCalls(content string) []textToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var calls []textToolCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		for _, call := range calls {
			if call.Name == "" {
				return nil
			}
		}
		return calls
	}

	var single textToolCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []textToolCall{single}
	}

	return nil
}

// convertToOllama keeps system text inline. Tool results become "tool"
// role messages carrying the name of the call they answer.
func convertToOllama(messages []Message) []ollamaMessage {
	names := make(map[string]string)
	result := make([]ollamaMessage, 0, len(messages))

	for _, msg := range messages {
		switch c := msg.Content.(type) {
		case Text:
			result = append(result, ollamaMessage{Role: string(msg.Role), Content: string(c)})
		case ToolCall:
			names[c.ID] = c.Name
			var tc ollamaToolCall
			tc.Function.Name = c.Name
			tc.Function.Arguments = c.Arguments
			if n := len(result); n > 0 && result[n-1].Role == string(RoleAssistant) && len(result[n-1].ToolCalls) == 0 {
				result[n-1].ToolCalls = append(result[n-1].ToolCalls, tc)
				continue
			}
			result = append(result, ollamaMessage{Role: string(RoleAssistant), ToolCalls: []ollamaToolCall{tc}})
		case ToolResult:
			result = append(result, ollamaMessage{Role: "tool", Content: string(c.Content), ToolName: names[c.ID]})
		}
	}
	return result
}

func convertToolsToOllama(tools []ToolDefinition) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]ollamaTool, len(tools))
	for i, t := range tools {
		result[i] = ollamaTool{
			Type:     "function",
			Function: ollamaFunction{Name: t.Name, Description: t.Description, Parameters: t.schema()},
		}
	}
	return result
}

var _ Client = (*OllamaClient)(nil)
