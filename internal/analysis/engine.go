package analysis

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable marks transient backend trouble; it is the
	// only analysis error the pipeline retries.
	ErrProviderUnavailable = errors.New("analysis provider unavailable")

	// ErrContentTooLarge means the prompt exceeds the provider's context
	// window and will not succeed without shrinking the input.
	ErrContentTooLarge = errors.New("content exceeds provider context window")

	// ErrProviderRejected covers permanent refusals such as policy
	// filters.
	ErrProviderRejected = errors.New("request rejected by provider")

	ErrProviderNotConfigured = errors.New("provider not configured")
)

type Request struct {
	Prompt      string
	Temperature float32
	MaxTokens   int
}

type Result struct {
	Content    string
	Provider   string
	Model      string
	TokensUsed int
}

// Provider is one configured language-model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Engine routes analysis requests to a configured provider. Selection
// happens by name at call time; construction fixes the available set.
type Engine struct {
	providers   map[string]Provider
	defaultName string
}

func NewEngine(defaultProvider Provider, extra ...Provider) *Engine {
	providers := map[string]Provider{
		defaultProvider.Name(): defaultProvider,
	}
	for _, p := range extra {
		providers[p.Name()] = p
	}

	return &Engine{
		providers:   providers,
		defaultName: defaultProvider.Name(),
	}
}

// Analyze invokes the named provider with a resolved prompt. The
// provider name "any" (or empty) selects the default backend.
func (e *Engine) Analyze(ctx context.Context, provider string, req Request) (*Result, error) {
	if provider == "" || provider == "any" {
		provider = e.defaultName
	}

	p, ok := e.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotConfigured, provider)
	}

	return p.Complete(ctx, req)
}
