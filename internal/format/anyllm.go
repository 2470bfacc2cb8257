package format

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// Providers lists the LLM provider names accepted by [NewLLM].
var Providers = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// LLM implements [Completer] on top of github.com/mozilla-ai/any-llm-go.
type LLM struct {
	backend anyllmlib.Provider
	model   string
}

// Compile-time interface assertion.
var _ Completer = (*LLM)(nil)

// NewLLM creates a completer for providerName (one of [Providers]). Without
// an API key option the provider reads its usual environment variable, e.g.
// OPENAI_API_KEY.
func NewLLM(providerName, model string, opts ...anyllmlib.Option) (*LLM, error) {
	if providerName == "" {
		return nil, errors.New("format: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("format: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("format: create %q backend: %w", providerName, err)
	}
	return &LLM{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", providerName, strings.Join(Providers, ", "))
	}
}

// Complete implements [Completer].
func (l *LLM) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := l.backend.Completion(ctx, l.params(req))
	if err != nil {
		return "", fmt.Errorf("format: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("format: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

func (l *LLM) params(req Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if req.System != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.System})
	}
	messages = append(messages, anyllmlib.Message{Role: "user", Content: req.Prompt})

	params := anyllmlib.CompletionParams{Model: l.model, Messages: messages}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}
