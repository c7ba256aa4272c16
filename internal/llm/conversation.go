package llm

import "context"

// Conversation keeps model-side context across turns by replaying the
// accumulated history with each request. It is not safe for concurrent
// use.
type Conversation struct {
	provider Provider
	base     Request
	history  []Message
}

// NewConversation starts a conversation. base supplies the system prompt,
// tools, schema and sampling settings for every turn; its Messages seed
// the history.
func NewConversation(p Provider, base Request) *Conversation {
	history := append([]Message(nil), base.Messages...)
	base.Messages = nil
	return &Conversation{provider: p, base: base, history: history}
}

// Send appends a user message and returns the model's reply. On error the
// history is left as it was before the call.
func (c *Conversation) Send(ctx context.Context, text string) (*Response, error) {
	req := c.base
	req.Messages = append(append([]Message(nil), c.history...), Message{Role: RoleUser, Content: text})

	resp, err := c.provider.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	c.history = append(req.Messages, Message{Role: RoleAssistant, Content: resp.Content})
	return resp, nil
}

// History returns a copy of the exchanged messages.
func (c *Conversation) History() []Message {
	return append([]Message(nil), c.history...)
}
