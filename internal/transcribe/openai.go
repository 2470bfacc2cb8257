package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/xvoice/xvoice/internal/worker"
)

// OpenAI transcribes through the hosted Whisper API.
type OpenAI struct {
	client   oai.Client
	model    oai.AudioModel
	language string
}

// Compile-time interface assertion.
var _ Backend = (*OpenAI)(nil)

type openAIConfig struct {
	baseURL  string
	model    string
	language string
	timeout  time.Duration
	retries  int
}

// OpenAIOption configures an [OpenAI] backend.
type OpenAIOption func(*openAIConfig)

// WithOpenAIBaseURL overrides the API base URL.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithOpenAIModel overrides the model. Default "whisper-1".
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// WithOpenAILanguage sets an ISO-639-1 language hint.
func WithOpenAILanguage(lang string) OpenAIOption {
	return func(c *openAIConfig) { c.language = lang }
}

// WithOpenAITimeout sets a per-request HTTP timeout.
func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

// WithOpenAIRetries sets how often the client retries failed requests.
func WithOpenAIRetries(n int) OpenAIOption {
	return func(c *openAIConfig) { c.retries = n }
}

// NewOpenAI returns a backend authenticated with apiKey.
func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("transcribe: openai: apiKey must not be empty")
	}
	cfg := &openAIConfig{model: string(oai.AudioModelWhisper1), retries: 2}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.retries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	return &OpenAI{
		client:   oai.NewClient(reqOpts...),
		model:    oai.AudioModel(cfg.model),
		language: cfg.language,
	}, nil
}

// Name implements [Backend].
func (*OpenAI) Name() string { return "openai" }

// Transcribe implements [Backend].
func (o *OpenAI) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("transcribe: openai: %w", err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: o.model,
	}
	if o.language != "" {
		params.Language = oai.String(o.language)
	}
	res, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: openai: %w", err)
	}
	return worker.CleanText(res.Text), nil
}
