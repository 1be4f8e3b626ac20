// Package llm is the vendor boundary for chat completions. Everything
// Anthropic-specific stays here; callers see chunks and plain history.
package llm

import (
	"context"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pinnokio/backend/internal/rpc"
	"github.com/pinnokio/backend/internal/stream"
)

const maxTokens = 4096

// Client wraps the Anthropic SDK for streaming chat.
type Client struct {
	api   anthropic.Client
	model string
}

// NewClient builds a client for the configured model.
func NewClient(apiKey, model string) *Client {
	return &Client{
		api:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Stream sends the conversation and emits chunks as the vendor produces
// them. The emit callback returning an error (e.g. dead session) cancels the
// vendor call via ctx. Returns the full assistant text for history.
func (c *Client) Stream(ctx context.Context, system string, history []Message, emit func(stream.Chunk) error) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  toVendorMessages(history),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	s := c.api.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	var text string

	for s.Next() {
		event := s.Current()
		if err := acc.Accumulate(event); err != nil {
			slog.Warn("[LLM] Accumulate failed", "error", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				if err := emit(stream.Chunk{Type: stream.ChunkToolUse, Content: ev.ContentBlock.Name, Model: c.model}); err != nil {
					return text, err
				}
			}
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text += d.Text
				if err := emit(stream.Chunk{Type: stream.ChunkText, Content: d.Text, Model: c.model}); err != nil {
					return text, err
				}
			}
		case anthropic.MessageStopEvent:
			if err := emit(stream.Chunk{Type: stream.ChunkFinal, IsFinal: true, Model: c.model}); err != nil {
				return text, err
			}
		}
	}

	if err := s.Err(); err != nil {
		if ctx.Err() != nil {
			return text, rpc.Errorf(rpc.KindTimeout, "llm stream cancelled: %v", ctx.Err())
		}
		return text, rpc.Errorf(rpc.KindTransport, "llm stream: %v", err)
	}
	return text, nil
}

func toVendorMessages(history []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
