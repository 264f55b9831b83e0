package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/workbench/internal/config"
)

// NewClient creates a new OpenAI-compatible client (OpenRouter by default).
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL

	return openai.NewClientWithConfig(config)
}

// OpenAIProvider streams chat completions through the OpenAI API shape.
type OpenAIProvider struct {
	client StreamClient
}

// NewOpenAIProvider wraps a streaming client.
func NewOpenAIProvider(client StreamClient) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

func (p *OpenAIProvider) StreamCompletion(ctx context.Context, model string, messages []Message) (Stream, error) {
	req := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create completion stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

// Recv passes io.EOF through untouched so callers can detect the end.
func (s *openAIStream) Recv() (Delta, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return Delta{}, err
	}
	var d Delta
	if len(resp.Choices) > 0 {
		d.Content = resp.Choices[0].Delta.Content
		d.FinishReason = string(resp.Choices[0].FinishReason)
	}
	if resp.Usage != nil {
		d.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return d, nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
