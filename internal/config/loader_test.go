package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/xvoice/xvoice/internal/config"
	"github.com/xvoice/xvoice/internal/format"
)

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

func TestDefault_Values(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.FrameSize != 1024 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Segmentation.SilenceDuration != 1500*time.Millisecond || cfg.Segmentation.MaxDuration != 20*time.Second {
		t.Errorf("segmentation = %+v", cfg.Segmentation)
	}
	if cfg.Calibration.Default != 1000 || cfg.Calibration.IdleAfter != time.Minute {
		t.Errorf("calibration = %+v", cfg.Calibration)
	}
	if cfg.Worker.Model != "small" || cfg.Formatter.Model != "gpt-3.5-turbo" {
		t.Errorf("models = %q / %q", cfg.Worker.Model, cfg.Formatter.Model)
	}
	if cfg.Mode != format.ModeGeneral {
		t.Errorf("mode = %q", cfg.Mode)
	}
}

func TestMerge_OverridesOnlyPresentFields(t *testing.T) {
	t.Parallel()
	defaults := config.Default()
	got, err := config.Merge(defaults, []byte(`
mode: command
segmentation:
  silence_duration: 800ms
worker:
  model: medium
  model_dirs: [/opt/models]
fallback:
  backends: [openai, whisper-cli]
`))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got.Mode != format.ModeCommand {
		t.Errorf("mode = %q", got.Mode)
	}
	if got.Segmentation.SilenceDuration != 800*time.Millisecond {
		t.Errorf("silence_duration = %v", got.Segmentation.SilenceDuration)
	}
	if got.Segmentation.MaxDuration != 20*time.Second {
		t.Errorf("max_duration = %v, want default", got.Segmentation.MaxDuration)
	}
	if got.Worker.Model != "medium" || got.Worker.Port != 8178 {
		t.Errorf("worker = %+v", got.Worker)
	}
	if !slices.Equal(got.Fallback.Backends, []string{"openai", "whisper-cli"}) {
		t.Errorf("backends = %v", got.Fallback.Backends)
	}
}

func TestMerge_DoesNotMutateDefaults(t *testing.T) {
	t.Parallel()
	defaults := config.Default()
	before := defaults.Clone()
	_, err := config.Merge(defaults, []byte(`
worker:
  converters: [inprocess]
fallback:
  backends: [native]
vocabulary:
  terms: [Kubernetes]
`))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(defaults.Worker.Converters, before.Worker.Converters) {
		t.Errorf("defaults converters mutated: %v", defaults.Worker.Converters)
	}
	if !slices.Equal(defaults.Fallback.Backends, before.Fallback.Backends) {
		t.Errorf("defaults backends mutated: %v", defaults.Fallback.Backends)
	}
	if len(defaults.Vocabulary.Terms) != 0 {
		t.Errorf("defaults vocabulary mutated: %v", defaults.Vocabulary.Terms)
	}
}

func TestMerge_Layered(t *testing.T) {
	t.Parallel()
	file, err := config.Merge(config.Default(), []byte("worker:\n  model: base\n  port: 9000\n"))
	if err != nil {
		t.Fatal(err)
	}
	flags, err := config.Merge(file, []byte("worker:\n  model: large\n"))
	if err != nil {
		t.Fatal(err)
	}
	if flags.Worker.Model != "large" || flags.Worker.Port != 9000 {
		t.Errorf("worker = %+v", flags.Worker)
	}
	if file.Worker.Model != "base" {
		t.Errorf("file layer mutated: %q", file.Worker.Model)
	}
}

func TestMerge_Empty(t *testing.T) {
	t.Parallel()
	got, err := config.Merge(config.Default(), []byte("  \n"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Worker.Model != "small" {
		t.Errorf("model = %q", got.Worker.Model)
	}
}

func TestMerge_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.Merge(config.Default(), []byte("worker:\n  modle: small\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{"OPENAI_API_KEY": "sk-env", "XVOICE_HISTORY_DSN": "postgres://localhost/xvoice"}
	cfg := config.Default()
	cfg.Formatter.APIKey = "sk-explicit"
	config.ApplyEnv(cfg, func(k string) string { return env[k] })
	if cfg.Fallback.OpenAI.APIKey != "sk-env" {
		t.Errorf("fallback key = %q", cfg.Fallback.OpenAI.APIKey)
	}
	if cfg.History.DSN != "postgres://localhost/xvoice" {
		t.Errorf("history dsn = %q", cfg.History.DSN)
	}
	if cfg.Formatter.APIKey != "sk-explicit" {
		t.Errorf("formatter key overwritten: %q", cfg.Formatter.APIKey)
	}

	ollama := config.Default()
	ollama.Formatter.Provider = "ollama"
	config.ApplyEnv(ollama, func(k string) string { return env[k] })
	if ollama.Formatter.APIKey != "" {
		t.Errorf("ollama formatter got key %q", ollama.Formatter.APIKey)
	}
}

// loadYAML merges doc over the defaults and validates the result.
func loadYAML(doc string) (*config.Config, error) {
	cfg, err := config.Merge(config.Default(), []byte(doc))
	if err != nil {
		return nil, err
	}
	return cfg, config.Validate(cfg)
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"float samples", "audio:\n  sample_format: float32\n", "sample_format"},
		{"stereo", "audio:\n  channels: 2\n", "channels"},
		{"zero silence", "segmentation:\n  silence_duration: 0s\n", "silence_duration must be positive"},
		{"silence longer than cap", "segmentation:\n  silence_duration: 30s\n", "shorter than max_duration"},
		{"ratio", "segmentation:\n  min_amplitude_ratio: 1.5\n", "min_amplitude_ratio"},
		{"chance", "calibration:\n  idle_chance: 2\n", "idle_chance"},
		{"mode", "mode: shouting\n", "mode"},
		{"log level", "log_level: loud\n", "log_level"},
		{"backend", "fallback:\n  backends: [deepgram]\n", "deepgram"},
		{"duplicate backend", "fallback:\n  backends: [openai, openai]\n", "duplicate"},
		{"converter", "worker:\n  converters: [sox]\n", "sox"},
		{"no path", "worker:\n  enabled: false\nfallback:\n  backends: []\n", "no transcription path"},
		{"formatter provider", "formatter:\n  enabled: true\n  provider: bard\n", "formatter.provider"},
		{"tool", "injector:\n  tool: ydotool\n", "injector.tool"},
		{"prompt mode", "formatter:\n  prompts:\n    poem: rhyme it\n", "unknown mode"},
		{"vocabulary threshold", "vocabulary:\n  fuzzy_threshold: 1.5\n", "vocabulary.fuzzy_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := loadYAML(tt.yaml)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	_, err := loadYAML("audio:\n  channels: 2\n  sample_format: float32\n")
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"channels", "sample_format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-file-test")
	path := filepath.Join(t.TempDir(), "xvoice.yaml")
	if err := os.WriteFile(path, []byte("mode: email\nformatter:\n  enabled: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != format.ModeEmail || !cfg.Formatter.Enabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Formatter.APIKey != "sk-file-test" {
		t.Errorf("formatter key = %q", cfg.Formatter.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Binary != "whisper-server" {
		t.Errorf("binary = %q", cfg.Worker.Binary)
	}
}
