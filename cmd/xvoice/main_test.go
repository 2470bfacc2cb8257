package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/xvoice/xvoice/internal/config"
	"github.com/xvoice/xvoice/internal/format"
	"github.com/xvoice/xvoice/internal/observe"
	"github.com/xvoice/xvoice/pkg/history"
	historymock "github.com/xvoice/xvoice/pkg/history/mock"
)

func TestLoadConfig_FlagsLayerOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xvoice.yaml")
	if err := os.WriteFile(path, []byte("mode: email\nworker:\n  model: base\n  port: 9100\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	runCmd, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if err := runCmd.ParseFlags([]string{"--config", path, "--mode", "command", "--model", "tiny"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	f := &flags{configPath: path, mode: "command", model: "tiny"}
	cfg, err := loadConfig(runCmd, f)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Mode != format.ModeCommand {
		t.Errorf("mode = %q, want command", cfg.Mode)
	}
	if cfg.Worker.Model != "tiny" || cfg.Worker.Port != 9100 {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Formatter.Enabled {
		t.Error("formatter enabled without --use-llm")
	}
}

func TestLoadConfig_InvalidFlag(t *testing.T) {
	root := newRootCmd()
	runCmd, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if err := runCmd.ParseFlags([]string{"--mode", "shouting"}); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(runCmd, &flags{mode: "shouting"}); err == nil {
		t.Fatal("expected validation error for unknown mode")
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	if got := reg.Backends(); !slices.Equal(got, []string{"native", "openai", "whisper-cli"}) {
		t.Errorf("Backends() = %v", got)
	}
	for _, p := range format.Providers {
		if _, err := reg.CreateFormatter(config.FormatterConfig{Provider: p}); err == nil {
			t.Errorf("%s: expected error for empty model", p)
		}
	}
}

func TestBuildPipeline_MissingModelKeepsAPIBackend(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Worker.ModelDirs = []string{t.TempDir()}
	cfg.Fallback.Backends = []string{"whisper-cli", "openai"}
	cfg.Fallback.OpenAI.APIKey = "sk-test"

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	p, err := buildPipeline(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	defer p.close()

	if p.supervisor != nil {
		t.Error("worker created without a model")
	}
	if got := p.service.Backends(); !slices.Equal(got, []string{"openai"}) {
		t.Errorf("backends = %v, want [openai]", got)
	}
	if p.formatter != nil {
		t.Error("formatter built while disabled")
	}
	if p.vocab != nil {
		t.Error("vocabulary built without terms")
	}
}

func TestBuildPipeline_WorkerFirst(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-small.bin"), []byte("model"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Worker.ModelDirs = []string{dir}
	cfg.Vocabulary.Terms = []string{"Kubernetes"}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	p, err := buildPipeline(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	defer p.close()

	if p.supervisor == nil {
		t.Fatal("worker not created")
	}
	if got := p.service.Backends(); !slices.Equal(got, []string{"worker", "whisper-cli"}) {
		t.Errorf("backends = %v", got)
	}
	if p.vocab == nil || p.vocab.Len() != 1 {
		t.Errorf("vocab = %+v", p.vocab)
	}
}

func TestPrintHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &historymock.Store{}
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	_ = store.Write(ctx, history.Entry{Mode: "general", Text: "buy milk", Timestamp: at})
	_ = store.Write(ctx, history.Entry{Mode: "email", Text: "Dear team", Timestamp: at.Add(time.Minute)})

	var out bytes.Buffer
	if err := printHistory(ctx, &out, store, "", 10); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "Dear team") || !strings.HasPrefix(lines[1], "2026-03-01 09:30:00") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if err := printHistory(ctx, &out, store, "milk", 10); err != nil {
		t.Fatal(err)
	}
	if store.CallCount("Search") != 1 || !strings.Contains(out.String(), "buy milk") || strings.Contains(out.String(), "Dear") {
		t.Errorf("search output = %q", out.String())
	}

	out.Reset()
	if err := printHistory(ctx, &out, &historymock.Store{}, "", 10); err != nil {
		t.Fatal(err)
	}
	if out.String() != "No history\n" {
		t.Errorf("empty output = %q", out.String())
	}
}

func TestRunHistory_Disabled(t *testing.T) {
	t.Parallel()
	if err := runHistory(context.Background(), config.Default(), "", 10); err == nil {
		t.Fatal("expected error without a DSN")
	}
}

func TestConverters(t *testing.T) {
	t.Parallel()
	cs := converters([]string{"inprocess", "ffmpeg"})
	if len(cs) != 2 || cs[0].Name() != "inprocess" || cs[1].Name() != "ffmpeg" {
		t.Errorf("converters = %v", cs)
	}
}
