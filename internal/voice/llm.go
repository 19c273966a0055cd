// Package voice implements the Voice Dialogue Orchestrator: the
// STT -> LLM -> TTS turn state machine, meeting-mode wake-word gating, and
// echo suppression that sits behind the `/ws/voice` endpoint. The
// callback-registration shape the STT provider adapters use
// (onData/onError/onClose) is generalized here to a small channel per
// concern for the LLM and TTS legs.
package voice

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/sttbridge/gateway/pkg/commons"
)

// ChatMessage is one turn of the bounded rolling dialogue history.
type ChatMessage struct {
	Role string // "system" | "user" | "assistant"
	Text string
}

// ChatDelta is one increment of a streamed LLM reply. The final delta for a
// turn has Done=true and Text holding the complete reply (not just the last
// token), mirroring the WS-Realtime adapter's own "emit cumulative text, not
// the token" convention so downstream consumers (TTS,
// transcript logging) never need their own accumulator.
type ChatDelta struct {
	Text string
	Done bool
	Err  error
}

// LLMClient is the turn-controller's chat backend contract. A turn is one
// call to StreamChat; cancelling ctx discards it (barge-in).
type LLMClient interface {
	StreamChat(ctx context.Context, messages []ChatMessage) (<-chan ChatDelta, error)
}

// openAIChat drives chat completions through github.com/openai/openai-go,
// the same SDK the gateway's go.mod carries for the WS-Realtime adapter's
// naming conventions, here used for what it is actually built for: a plain
// (optionally streamed) REST chat-completions call, with no custom wire
// state machine required.
type openAIChat struct {
	client openai.Client
	model  string
	log    commons.Logger
}

// NewOpenAIChat builds an LLMClient backed by the Chat Completions API.
func NewOpenAIChat(apiKey, model string, log commons.Logger) LLMClient {
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &openAIChat{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		log:    log,
	}
}

func (c *openAIChat) StreamChat(ctx context.Context, messages []ChatMessage) (<-chan ChatDelta, error) {
	out := make(chan ChatDelta, 8)
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toOpenAIMessages(messages),
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(out)
		defer stream.Close()
		var full string
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			full += delta
			select {
			case out <- ChatDelta{Text: full}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case out <- ChatDelta{Err: fmt.Errorf("voice: llm stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- ChatDelta{Text: full, Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Text))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Text))
		default:
			out = append(out, openai.UserMessage(m.Text))
		}
	}
	return out
}

// MockLLM is a deterministic, credential-free LLMClient used in tests and
// local development, playing the same role as the mock STT adapter: it
// echoes a canned reply derived from the last user message so orchestrator
// tests can assert on exact text.
type MockLLM struct {
	// Reply overrides the canned "heard: <text>" reply when non-empty.
	Reply string
}

func (m *MockLLM) StreamChat(ctx context.Context, messages []ChatMessage) (<-chan ChatDelta, error) {
	reply := m.Reply
	if reply == "" {
		reply = "heard: " + lastUserText(messages)
	}
	out := make(chan ChatDelta, 1)
	go func() {
		defer close(out)
		select {
		case out <- ChatDelta{Text: reply, Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func lastUserText(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text
		}
	}
	return ""
}
