package gcpclient

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIAdapter wraps the OpenAI chat completions API to implement
// service.GenAIClient, offered as the alternate generation provider
// alongside Vertex AI Gemini (selected via config.GenAIProvider).
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

// NewOpenAIAdapter creates an OpenAIAdapter. apiKey is read from the
// caller's environment (OPENAI_API_KEY) when empty.
func NewOpenAIAdapter(apiKey, model string) *OpenAIAdapter {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// GenerateContent sends a system+user prompt pair and returns the text
// response. Retries on rate limiting the same way the Vertex adapter does.
func (a *OpenAIAdapter) GenerateContent(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return withRetry(ctx, "OpenAIGenerateContent", func() (string, error) {
		messages := []openai.ChatCompletionMessageParamUnion{}
		if systemPrompt != "" {
			messages = append(messages, openai.SystemMessage(systemPrompt))
		}
		messages = append(messages, openai.UserMessage(userPrompt))

		resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:    a.model,
			Messages: messages,
		})
		if err != nil {
			return "", fmt.Errorf("gcpclient.OpenAIGenerateContent: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("gcpclient.OpenAIGenerateContent: empty response from model")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// HealthCheck validates the OpenAI connection with a minimal call.
func (a *OpenAIAdapter) HealthCheck(ctx context.Context) error {
	resp, err := a.GenerateContent(ctx, "", "Reply with only: OK")
	if err != nil {
		return fmt.Errorf("openai health check failed (model: %s): %w", a.model, err)
	}
	if resp == "" {
		return fmt.Errorf("openai returned empty response (model: %s)", a.model)
	}
	return nil
}
