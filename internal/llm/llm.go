// Package llm is the generative-service boundary: a Provider interface with
// OpenAI-compatible, Anthropic, Gemini and mock implementations, tool
// callbacks, a resilient wrapper, and a stateful Conversation handle.
package llm

import (
	"context"
	"encoding/json"
)

// Provider generates a reply for a request.
type Provider interface {
	// Generate sends a prompt to the model. When Tools are set and the
	// provider supports function calling, tool handlers are invoked
	// before the final reply is returned.
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the model identifier this provider is configured to use.
	ModelID() string
}

// Request describes what to send to the model.
type Request struct {
	System   string
	Messages []Message

	// Schema, when set, is the JSON Schema the reply must satisfy. The
	// reply is fence-stripped and validated before it is returned.
	Schema *Schema

	// Tools are functions the model may call.
	Tools []Tool

	MaxTokens   int
	Temperature float64
}

// Message represents a single message in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role is the message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Schema defines the JSON structure expected from the model.
type Schema struct {
	Name        string
	Description string
	Definition  map[string]any
}

// ToolHandler executes a tool call. The returned string is sent back to the
// model as the tool result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a function exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     ToolHandler
}

// Response holds the model's output.
type Response struct {
	// Content is the reply text. When a Schema was provided it is the
	// validated JSON object with any code fences removed.
	Content    string
	Usage      Usage
	Model      string
	StopReason string // "end", "max_tokens", "error"
	ToolCalls  int    // tool invocations made while producing Content
}

// Usage tracks token consumption for a single request.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add accumulates usage across the rounds of a tool loop.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
}

func findTool(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}
