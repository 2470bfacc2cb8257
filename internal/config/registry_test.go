package config_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/xvoice/xvoice/internal/config"
	"github.com/xvoice/xvoice/internal/format"
	"github.com/xvoice/xvoice/internal/transcribe"
)

type stubBackend struct{ name string }

func (s stubBackend) Name() string { return s.name }

func (stubBackend) Transcribe(context.Context, string) (string, error) { return "", nil }

type stubCompleter struct{}

func (stubCompleter) Complete(context.Context, format.Request) (string, error) { return "", nil }

func TestRegistry_CreateBackend(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var gotModel string
	reg.RegisterBackend("whisper-cli", func(_ *config.Config, modelPath string) (transcribe.Backend, error) {
		gotModel = modelPath
		return stubBackend{name: "whisper-cli"}, nil
	})
	reg.RegisterBackend("openai", func(*config.Config, string) (transcribe.Backend, error) {
		return stubBackend{name: "openai"}, nil
	})

	b, err := reg.CreateBackend("whisper-cli", config.Default(), "/m/ggml-small.bin")
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	if b.Name() != "whisper-cli" || gotModel != "/m/ggml-small.bin" {
		t.Errorf("backend = %s, model = %q", b.Name(), gotModel)
	}
	if got := reg.Backends(); !slices.Equal(got, []string{"openai", "whisper-cli"}) {
		t.Errorf("Backends() = %v", got)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	if _, err := reg.CreateBackend("native", config.Default(), ""); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreateBackend err = %v", err)
	}
	if _, err := reg.CreateFormatter(config.FormatterConfig{Provider: "openai"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreateFormatter err = %v", err)
	}
}

func TestRegistry_CreateFormatter(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.FormatterConfig
	reg.RegisterFormatter("ollama", func(cfg config.FormatterConfig) (format.Completer, error) {
		got = cfg
		return stubCompleter{}, nil
	})
	if _, err := reg.CreateFormatter(config.FormatterConfig{Provider: "ollama", Model: "llama3"}); err != nil {
		t.Fatal(err)
	}
	if got.Model != "llama3" {
		t.Errorf("factory got %+v", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("no api key")
	reg.RegisterBackend("openai", func(*config.Config, string) (transcribe.Backend, error) { return nil, boom })
	if _, err := reg.CreateBackend("openai", config.Default(), ""); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
