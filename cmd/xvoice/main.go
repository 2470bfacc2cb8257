// Command xvoice is a voice dictation tool: it listens to the microphone,
// segments speech, transcribes it with whisper.cpp, and types the result
// into the focused window.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/xvoice/xvoice/internal/app"
	"github.com/xvoice/xvoice/internal/config"
	"github.com/xvoice/xvoice/internal/format"
	"github.com/xvoice/xvoice/internal/observe"
	"github.com/xvoice/xvoice/internal/segment"
	"github.com/xvoice/xvoice/internal/transcribe"
	"github.com/xvoice/xvoice/pkg/audio"
	"github.com/xvoice/xvoice/pkg/audio/portaudio"
	"github.com/xvoice/xvoice/pkg/history"
	"github.com/xvoice/xvoice/pkg/history/postgres"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the graceful shutdown after the capture loop ends.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "xvoice: %v\n", err)
		return 1
	}
	return 0
}

// flags holds the command line overrides layered over the config file.
type flags struct {
	configPath string
	mode       string
	model      string
	useLLM     bool

	historyLimit  int
	historySearch string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "xvoice",
		Short:         "Voice dictation with whisper.cpp",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to the YAML configuration file (defaults are used when empty)")
	root.PersistentFlags().StringVar(&f.model, "model", "", "whisper model name or ggml file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Listen continuously and type what is said",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runDictation(cmd.Context(), cfg)
		},
	}
	runCmd.Flags().StringVar(&f.mode, "mode", "", "dictation mode: "+modeList())
	runCmd.Flags().BoolVar(&f.useLLM, "use-llm", false, "format transcripts with the configured LLM")

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Sample ambient noise and print the silence threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runCalibrate(cfg)
		},
	}

	transcribeCmd := &cobra.Command{
		Use:   "transcribe FILE",
		Short: "Transcribe an audio file and print the text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runTranscribe(cmd.Context(), cfg, args[0])
		},
	}
	transcribeCmd.Flags().StringVar(&f.mode, "mode", "", "formatting mode: "+modeList())
	transcribeCmd.Flags().BoolVar(&f.useLLM, "use-llm", false, "format the transcript with the configured LLM")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List installed whisper models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runModels(cfg)
		},
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			names, err := portaudio.InputDevices()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently dictated text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runHistory(cmd.Context(), cfg, f.historySearch, f.historyLimit)
		},
	}
	historyCmd.Flags().IntVar(&f.historyLimit, "limit", 20, "maximum number of entries")
	historyCmd.Flags().StringVar(&f.historySearch, "search", "", "full-text query")

	root.AddCommand(runCmd, calibrateCmd, transcribeCmd, modelsCmd, devicesCmd, historyCmd)
	return root
}

func modeList() string {
	modes := format.Modes()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return strings.Join(names, "|")
}

// loadConfig reads the config file, layers the flags that were set on top
// of it, and installs the logger. The returned value is not mutated
// afterwards.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found", f.configPath)
		}
		return nil, err
	}

	overrides := map[string]any{}
	if cmd.Flags().Changed("mode") {
		overrides["mode"] = f.mode
	}
	if cmd.Flags().Changed("model") {
		overrides["worker"] = map[string]any{"model": f.model}
	}
	if cmd.Flags().Changed("use-llm") {
		overrides["formatter"] = map[string]any{"enabled": f.useLLM}
	}
	if len(overrides) > 0 {
		data, err := yaml.Marshal(overrides)
		if err != nil {
			return nil, fmt.Errorf("encode flags: %w", err)
		}
		if cfg, err = config.Merge(cfg, data); err != nil {
			return nil, err
		}
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	slog.Debug("configuration loaded", "config", f.configPath, "mode", cfg.Mode, "model", cfg.Worker.Model)
	return cfg, nil
}

// runDictation is the run command: preflight checks, then the capture loop
// until interrupted.
func runDictation(ctx context.Context, cfg *config.Config) error {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Attributes: []attribute.KeyValue{
			attribute.String("xvoice.mode", string(cfg.Mode)),
			attribute.String("xvoice.model", cfg.Worker.Model),
		},
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	p, err := buildPipeline(cfg, reg, metrics)
	if err != nil {
		return err
	}
	injector, err := newInjector(cfg)
	if err != nil {
		p.close()
		return err
	}
	listener, err := newListener(cfg, metrics)
	if err != nil {
		p.close()
		return err
	}

	opts := []app.Option{app.WithMetrics(metrics)}
	if p.supervisor != nil {
		opts = append(opts, app.WithWorker(p.supervisor))
	}
	if p.formatter != nil {
		opts = append(opts, app.WithFormatter(p.formatter))
	}
	if p.vocab != nil {
		opts = append(opts, app.WithVocabulary(p.vocab))
	}
	if cfg.History.DSN != "" {
		store, err := postgres.NewStore(ctx, cfg.History.DSN)
		if err != nil {
			slog.Warn("transcript history disabled", "err", err)
		} else {
			opts = append(opts, app.WithHistory(store), app.WithCloser(store.Close))
		}
	}
	for _, c := range p.closers {
		opts = append(opts, app.WithCloser(c))
	}
	application, err := app.New(cfg, listener, p.service, injector, opts...)
	if err != nil {
		_ = listener.Close()
		p.close()
		return err
	}

	printStartupSummary(cfg, p.service.Backends(), string(injector.Tool()), p.formatter != nil)

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}

	if err := application.Preflight(ctx); err != nil {
		shutdown()
		return err
	}
	runErr := application.Run(ctx)
	if ctx.Err() != nil {
		fmt.Println("\nStopping...")
	}
	shutdown()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// runCalibrate samples ambient noise once and prints the resulting profile.
func runCalibrate(cfg *config.Config) error {
	src := portaudio.New(cfg.Audio.SampleRate, cfg.Audio.FrameSize, portaudio.WithDevice(cfg.Audio.Device))
	if err := src.Open(); err != nil {
		return err
	}
	defer src.Close()

	fmt.Printf("Calibrating for %v, please stay quiet...\n", cfg.Calibration.Window)
	cal := segment.NewCalibrator(calibratorConfig(cfg), nil)
	p, err := cal.Calibrate(src, audio.FramesFor(cfg.Calibration.Window, cfg.Audio.SampleRate, cfg.Audio.FrameSize))
	if err != nil {
		slog.Warn("calibration incomplete", "err", err)
	}

	fmt.Printf("Samples:   %d\n", p.Samples)
	fmt.Printf("Min/Mean/Max peak: %.0f / %.0f / %.0f\n", p.Min, p.Mean, p.Max)
	fmt.Printf("p90 / p95: %.0f / %.0f\n", p.P90, p.P95)
	switch {
	case p.Degraded:
		fmt.Printf("Threshold: %.0f (default, no samples)\n", p.Threshold)
	case p.Noisy:
		fmt.Printf("Threshold: %.0f (noisy environment)\n", p.Threshold)
	default:
		fmt.Printf("Threshold: %.0f\n", p.Threshold)
	}
	return nil
}

// runTranscribe transcribes a single file through the same service the run
// command uses.
func runTranscribe(ctx context.Context, cfg *config.Config, path string) error {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	p, err := buildPipeline(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		return err
	}
	defer p.close()

	res, err := p.service.Transcribe(ctx, path)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		fmt.Fprintln(os.Stderr, "No speech detected")
		return nil
	}
	if p.vocab != nil {
		text, _ = p.vocab.Correct(text)
	}
	if p.formatter != nil {
		text = p.formatter.Format(ctx, text, cfg.Mode)
	}
	slog.Debug("transcribed file", "path", path, "backend", res.Backend)
	fmt.Println(text)
	return nil
}

// runHistory prints stored entries, newest first.
func runHistory(ctx context.Context, cfg *config.Config, query string, limit int) error {
	if cfg.History.DSN == "" {
		return errors.New("history is disabled; set history.dsn or XVOICE_HISTORY_DSN")
	}
	store, err := postgres.NewStore(ctx, cfg.History.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	return printHistory(ctx, os.Stdout, store, query, limit)
}

func printHistory(ctx context.Context, w io.Writer, store history.Store, query string, limit int) error {
	var (
		entries []history.Entry
		err     error
	)
	if query != "" {
		entries, err = store.Search(ctx, query, history.SearchOpts{Limit: limit})
	} else {
		entries, err = store.Recent(ctx, limit)
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-7s  %s\n", e.Timestamp.Local().Format(time.DateTime), e.Mode, e.Text)
	}
	return nil
}

// runModels lists installed models, or explains how to install the
// configured one.
func runModels(cfg *config.Config) error {
	dirs := modelDirs(cfg)
	names := transcribe.ListModels(dirs)
	if len(names) == 0 {
		fmt.Printf("No models found in: %s\n\n%s\n", strings.Join(dirs, ", "), transcribe.InstallInstructions(cfg.Worker.Model))
		return nil
	}
	for _, n := range names {
		marker := " "
		if n == cfg.Worker.Model {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, n)
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, backends []string, tool string, formatting bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          xvoice: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Mode", string(cfg.Mode))
	printRow("Model", cfg.Worker.Model)
	printRow("Transcription", strings.Join(backends, " > "))
	printRow("Injector", tool)
	if formatting {
		printRow("Formatter", cfg.Formatter.Provider+" / "+cfg.Formatter.Model)
	} else {
		printRow("Formatter", "(disabled)")
	}
	device := cfg.Audio.Device
	if device == "" {
		device = "(default)"
	}
	printRow("Input device", device)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
