package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/kimigas/config"
	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/session"
	"github.com/m4xw311/kimigas/tools"
)

// LLMClient is the interface for interacting with a Large Language Model.
type LLMClient interface {
	Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error)
}

// ProviderError wraps a failure reported by a model provider API.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func providerError(provider string, err error) error {
	return &ProviderError{Provider: provider, Err: err}
}

// New builds the client selected by cfg.LLMClient. Every way of failing
// to produce a usable client is reported as an *errors.ConfigError.
func New(ctx context.Context, cfg *config.Config) (LLMClient, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.LLMClient))
	if name == "" {
		return nil, errors.Config(nil, "LLM is not set; set 'llm' in %s/config.yaml or KIMIGAS_LLM", config.DirName)
	}
	if cfg.Model == "" && name != "kimi" && name != "mock" {
		return nil, errors.Config(nil, "no model configured for llm '%s'", name)
	}

	var (
		client LLMClient
		err    error
	)
	switch name {
	case "anthropic":
		client, err = NewAnthropicLLMClient(ctx, cfg.Model, cfg.BaseURL)
	case "kimi":
		client, err = NewKimiLLMClient(ctx, cfg.Model, cfg.BaseURL)
	case "openai":
		client, err = NewOpenAILLMClient(ctx, cfg.Model, cfg.BaseURL)
	case "gemini":
		client, err = NewGeminiLLMClient(ctx, cfg.Model)
	case "bedrock":
		client, err = NewBedrockLLMClient(ctx, cfg.Model)
	case "mock":
		client = &MockLLMClient{}
	default:
		return nil, errors.Config(nil, "unsupported llm '%s'", cfg.LLMClient)
	}
	if err != nil {
		if errors.IsConfig(err) {
			return nil, err
		}
		return nil, errors.Config(err, "initializing %s client", name)
	}
	return client, nil
}

// MockLLMClient parrots back the last user message. It needs no
// credentials and is selected with `llm: mock`.
type MockLLMClient struct{}

func (m *MockLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == session.RoleUser {
			last = messages[i].Content
			break
		}
	}
	return &session.Message{
		Role:    session.RoleAssistant,
		Content: fmt.Sprintf("I am a mock LLM. You said: '%s'.", last),
	}, nil
}
