package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// StreamClient is the subset of openai.Client used by OpenAIProvider; it is easy to mock in tests.
type StreamClient interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Message is one entry of the context sent to the model.
type Message struct {
	Role    string
	Content string
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Delta is one increment of a streamed completion. Usage and FinishReason
// are only set on the deltas that carry them, usually the last ones.
type Delta struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

// Stream yields deltas until Recv returns io.EOF.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// Provider starts streamed completions. Cancelling ctx must end the stream.
type Provider interface {
	StreamCompletion(ctx context.Context, model string, messages []Message) (Stream, error)
}
