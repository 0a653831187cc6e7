package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nugget/hearth/internal/httpkit"
)

const openaiDefaultURL = "https://api.openai.com/v1"

// OpenAIClient streams from any OpenAI-compatible chat completions
// endpoint through the official SDK.
type OpenAIClient struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI-compatible client. The SDK's own
// retries are disabled; the provider chain decides what to retry.
func NewOpenAIClient(apiKey, model, baseURL string, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = openaiDefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
	)
	return &OpenAIClient{
		client: client,
		model:  model,
		logger: logger.With("provider", "openai", "model", model),
	}
}

// Name identifies this client in logs and fallback notices.
func (c *OpenAIClient) Name() string { return "openai/" + c.model }

// Complete streams a chat completion, assembling tool-call fragments
// with the SDK's accumulator.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, tools []ToolDefinition) iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(c.model),
			Messages: convertToOpenAI(messages),
			Tools:    convertToolsToOpenAI(tools),
		}
		c.logger.Debug("preparing request", "messages", len(params.Messages), "tools", len(params.Tools))

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		emitted := false
		finished := false

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != "" {
				finished = true
			}

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !yield(Token{Kind: TokenText, Text: chunk.Choices[0].Delta.Content}, nil) {
					return
				}
			}

			if tool, ok := acc.JustFinishedToolCall(); ok {
				emitted = true
				if !yield(Token{Kind: TokenToolCall, ToolCall: openaiToolCall(tool.ID, tool.Name, tool.Arguments)}, nil) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			yield(Token{}, c.classify(ctx, err))
			return
		}

		// A clean EOF without a finish_reason is a truncated answer, and
		// an empty body is no answer at all.
		if !finished {
			yield(Token{}, malformed(c.Name(), io.ErrUnexpectedEOF, "stream ended before finish_reason"))
			return
		}

		// Some servers send finish_reason without the accumulator seeing
		// the call close; pick up what was accumulated.
		if !emitted && len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				if !yield(Token{Kind: TokenToolCall, ToolCall: openaiToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)}, nil) {
					return
				}
			}
		}
	}
}

func (c *OpenAIClient) classify(ctx context.Context, err error) *ProviderError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return statusError(c.Name(), apiErr.StatusCode, apiErr.Message)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return malformed(c.Name(), err, "undecodable stream chunk")
	}
	return transportError(ctx, c.Name(), err)
}

func openaiToolCall(id, name, args string) ToolCall {
	raw := json.RawMessage(args)
	if len(raw) == 0 || !json.Valid(raw) {
		raw = json.RawMessage("{}")
	}
	return ToolCall{ID: id, Name: name, Arguments: raw}
}

// convertToOpenAI maps canonical messages to SDK params. Tool arguments
// travel as JSON strings, tool results as "tool" role messages, and an
// assistant's text and tool calls share one message.
func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, msg := range messages {
		switch c := msg.Content.(type) {
		case Text:
			switch msg.Role {
			case RoleSystem:
				result = append(result, openai.SystemMessage(string(c)))
			case RoleAssistant:
				result = append(result, openai.AssistantMessage(string(c)))
			default:
				result = append(result, openai.UserMessage(string(c)))
			}

		case ToolCall:
			call := openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      c.Name,
						Arguments: string(c.Arguments),
					},
				},
			}
			if n := len(result); n > 0 && result[n-1].OfAssistant != nil {
				result[n-1].OfAssistant.ToolCalls = append(result[n-1].OfAssistant.ToolCalls, call)
				continue
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					ToolCalls: []openai.ChatCompletionMessageToolCallUnionParam{call},
				},
			})

		case ToolResult:
			result = append(result, openai.ToolMessage(string(c.Content), c.ID))
		}
	}
	return result
}

func convertToolsToOpenAI(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, t := range tools {
		result[i] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.schema()),
		})
	}
	return result
}

var _ Client = (*OpenAIClient)(nil)
