package backend

import (
	"context"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// ChatClient performs one chat-completion call against a backend config. The
// context carries the caller's deadline down to the network call.
type ChatClient interface {
	Complete(
		ctx context.Context,
		messages []go_openai.ChatCompletionMessage,
		cfg *Config,
		tools []go_openai.Tool,
	) (*go_openai.ChatCompletionMessage, error)
}

// OpenAIClient is the default ChatClient, talking to any OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	apiKey string
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{apiKey: apiKey}
}

var _ ChatClient = (*OpenAIClient)(nil)

func (c *OpenAIClient) Complete(
	ctx context.Context,
	messages []go_openai.ChatCompletionMessage,
	cfg *Config,
	tools []go_openai.Tool,
) (*go_openai.ChatCompletionMessage, error) {
	apiKey := c.apiKey
	if cfg.APIKeyEnv != "" {
		if fromEnv := os.Getenv(cfg.APIKeyEnv); fromEnv != "" {
			apiKey = fromEnv
		}
	}

	clientConfig := go_openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	client := go_openai.NewClientWithConfig(clientConfig)

	req := go_openai.ChatCompletionRequest{
		Model:    cfg.Model,
		Messages: messages,
		Stop:     cfg.Stop,
	}
	if cfg.Temperature != nil {
		req.Temperature = float32(*cfg.Temperature)
	}
	if cfg.TopP != nil {
		req.TopP = float32(*cfg.TopP)
	}
	if cfg.MaxResponseTokens != nil {
		req.MaxTokens = *cfg.MaxResponseTokens
	}
	if len(tools) > 0 {
		req.Tools = tools
	}
	if cfg.ResponseFormat != "" {
		req.ResponseFormat = &go_openai.ChatCompletionResponseFormat{
			Type: go_openai.ChatCompletionResponseFormatType(cfg.ResponseFormat),
		}
	}

	log.Debug().Str("config", cfg.Name).Str("model", cfg.Model).
		Int("message_count", len(messages)).Int("tool_count", len(tools)).
		Msg("sending chat completion request")

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "chat completion against config %s failed", cfg.Name)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.Errorf("chat completion against config %s returned no choices", cfg.Name)
	}

	return &resp.Choices[0].Message, nil
}

// IsRateLimitError reports whether err is a provider-side rate-limit
// rejection, the error class that triggers config failover.
func IsRateLimitError(err error) bool {
	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
