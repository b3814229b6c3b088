// Package ai provides the text-generation capability used by the teaching
// pipeline. The orchestrator only depends on the Generator interface; the
// OpenAI-compatible implementation lives in openai.go.
package ai

import (
	"context"
)

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Request is one generation request.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Generator is the streaming text-generation capability.
//
// GenerateStream returns a content channel and an error channel. The content
// channel is closed when generation finishes or the context is cancelled;
// at most one error is sent. Cancellation is cooperative: a cancelled call
// may still deliver chunks that were already in flight, so callers must not
// treat channel closure as proof of supersession. Staleness is decided by
// the caller's own epoch check.
type Generator interface {
	GenerateStream(ctx context.Context, req *Request) (<-chan string, <-chan error)
}

// Helper for creating system prompts.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// Helper for creating user messages.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// Helper for creating assistant messages.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}
