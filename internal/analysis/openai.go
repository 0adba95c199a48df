package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/civicdocs/backend/pkg/circuitbreaker"
	"github.com/civicdocs/backend/pkg/config"
	"github.com/civicdocs/backend/pkg/logger"
)

// OpenAIProvider backs the engine with the OpenAI chat completion API,
// or any compatible endpoint when a base URL is configured. It does not
// retry: the pipeline owns the retry policy so every attempt lands in
// the run's error history.
type OpenAIProvider struct {
	client      *openai.Client
	name        string
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
}

func NewOpenAIProvider(cfg config.LLMConfig) *OpenAIProvider {
	var client *openai.Client
	if cfg.BaseURL != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(clientCfg)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		Logger:           logger.GetLogger(),
	})

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	logger.Info("LLM provider initialized",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
	)

	return &OpenAIProvider{
		client:      client,
		name:        cfg.Provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		cb:          cb,
	}
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	var result *Result

	err := p.cb.Execute(ctx, func() error {
		resp, err := p.client.CreateChatCompletion(
			ctx,
			openai.ChatCompletionRequest{
				Model: p.model,
				Messages: []openai.ChatCompletionMessage{
					{
						Role:    openai.ChatMessageRoleUser,
						Content: req.Prompt,
					},
				},
				Temperature: temperature,
				MaxTokens:   maxTokens,
			},
		)
		if err != nil {
			return err
		}

		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}

		logger.Debug("Completion generated",
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		result = &Result{
			Content:    resp.Choices[0].Message.Content,
			Provider:   p.name,
			Model:      p.model,
			TokensUsed: resp.Usage.TotalTokens,
		}

		return nil
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	return result, nil
}

// classifyProviderError maps transport and API failures onto the
// engine's error taxonomy.
func classifyProviderError(err error) error {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		case codeIs(apiErr, "context_length_exceeded"):
			return fmt.Errorf("%w: %v", ErrContentTooLarge, err)
		case apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 403:
			return fmt.Errorf("%w: %v", ErrProviderRejected, err)
		}
	}

	// Network errors, timeouts, and anything unclassified are treated
	// as transient.
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func codeIs(apiErr *openai.APIError, code string) bool {
	s, ok := apiErr.Code.(string)
	return ok && s == code
}
