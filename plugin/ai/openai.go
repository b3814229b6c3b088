package ai

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Config holds the generator configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		MaxTokens:   1024,
		Temperature: 0.7,
	}
}

type openAIGenerator struct {
	client *openai.Client
	config *Config
}

// NewGenerator creates a Generator backed by an OpenAI-compatible endpoint.
func NewGenerator(cfg *Config) (Generator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &openAIGenerator{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
	}, nil
}

func (g *openAIGenerator) GenerateStream(ctx context.Context, req *Request) (<-chan string, <-chan error) {
	contentChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errChan)

		messages := make([]openai.ChatCompletionMessage, len(req.Messages))
		for i, m := range req.Messages {
			messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		}

		maxTokens := req.MaxTokens
		if maxTokens == 0 {
			maxTokens = g.config.MaxTokens
		}
		temperature := req.Temperature
		if temperature == 0 {
			temperature = g.config.Temperature
		}

		stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       g.config.Model,
			Messages:    messages,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			Stream:      true,
		})
		if err != nil {
			errChan <- err
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errChan <- err
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			select {
			case contentChan <- resp.Choices[0].Delta.Content:
			case <-ctx.Done():
				return
			}
		}
	}()

	return contentChan, errChan
}

// IsTransient reports whether a generation error is worth retrying:
// rate-limit and 5xx-equivalent provider responses, network timeouts, and
// deadline expiry. Context cancellation is not transient: it means the call
// was superseded.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Backoff returns the exponential wait before retry attempt n (0-based).
func Backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}
