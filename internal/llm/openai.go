package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// maxToolRounds bounds the call-tool-reply loop.
const maxToolRounds = 4

// OpenAIProvider implements Provider against any OpenAI-compatible API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a provider. baseURL may be empty.
func NewOpenAIProvider(baseURL, apiKey, model string) (*OpenAIProvider, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

func (p *OpenAIProvider) ModelID() string { return p.model }

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	msgs := buildOpenAIMessages(req)

	chatReq := openai.ChatCompletionRequest{
		Model:               p.model,
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         float32(req.Temperature),
	}
	if req.Schema != nil && len(req.Tools) == 0 {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	var (
		usage Usage
		calls int
	)
	for round := 0; ; round++ {
		chatReq.Messages = msgs
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return nil, mapOpenAIError(err)
		}
		usage.Add(Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		})
		if len(resp.Choices) == 0 {
			return nil, &ErrInvalidResponse{Err: fmt.Errorf("no choices in OpenAI response")}
		}
		choice := resp.Choices[0]

		if len(choice.Message.ToolCalls) == 0 || round >= maxToolRounds {
			slog.Debug("LLM response", "model", resp.Model, "raw", choice.Message.Content)
			return finish(req, &Response{
				Content:    choice.Message.Content,
				Usage:      usage,
				Model:      resp.Model,
				StopReason: mapOpenAIStopReason(choice.FinishReason),
				ToolCalls:  calls,
			})
		}

		msgs = append(msgs, choice.Message)
		for _, tc := range choice.Message.ToolCalls {
			calls++
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    runTool(ctx, req.Tools, tc.Function.Name, tc.Function.Arguments),
				ToolCallID: tc.ID,
			})
		}
	}
}

// runTool executes a tool and renders its result for the model. Tool
// failures are reported back to the model rather than aborting the turn.
func runTool(ctx context.Context, tools []Tool, name, args string) string {
	t, ok := findTool(tools, name)
	if !ok || t.Handler == nil {
		return fmt.Sprintf("error: unknown tool %q", name)
	}
	out, err := t.Handler(ctx, json.RawMessage(args))
	if err != nil {
		slog.Warn("tool call failed", "tool", name, "error", err)
		return "error: " + err.Error()
	}
	slog.Debug("tool call", "tool", name, "args", args)
	return out
}

func buildOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}
	return messages
}

func mapOpenAIStopReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "max_tokens"
	default:
		return "end"
	}
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &ErrRateLimit{Err: err}
		case apiErr.HTTPStatusCode >= 500:
			return &ErrProviderUnavailable{Err: err}
		case apiErr.HTTPStatusCode >= 400:
			return fmt.Errorf("openai request rejected: %w", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &ErrProviderUnavailable{Err: err}
}
