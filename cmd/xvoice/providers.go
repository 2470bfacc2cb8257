package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/xvoice/xvoice/internal/config"
	"github.com/xvoice/xvoice/internal/format"
	"github.com/xvoice/xvoice/internal/inject"
	"github.com/xvoice/xvoice/internal/observe"
	"github.com/xvoice/xvoice/internal/resilience"
	"github.com/xvoice/xvoice/internal/scratch"
	"github.com/xvoice/xvoice/internal/segment"
	"github.com/xvoice/xvoice/internal/transcribe"
	"github.com/xvoice/xvoice/internal/vocab"
	"github.com/xvoice/xvoice/internal/worker"
	"github.com/xvoice/xvoice/pkg/audio/portaudio"
)

// registerBuiltinProviders wires all built-in backend and formatter
// factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterBackend("whisper-cli", func(cfg *config.Config, modelPath string) (transcribe.Backend, error) {
		if modelPath == "" {
			return nil, fmt.Errorf("whisper-cli: %w", transcribe.ErrModelNotFound)
		}
		b, err := transcribe.NewWhisperCLI(cfg.Fallback.CLIBinary, modelPath,
			transcribe.WithCLILanguage(cfg.Worker.Language))
		if err != nil {
			return nil, err
		}
		return b, nil
	})

	reg.RegisterBackend("native", func(cfg *config.Config, modelPath string) (transcribe.Backend, error) {
		b, err := transcribe.NewNative(modelPath, cfg.Worker.Language)
		if err != nil {
			return nil, err
		}
		return b, nil
	})

	reg.RegisterBackend("openai", func(cfg *config.Config, _ string) (transcribe.Backend, error) {
		oc := cfg.Fallback.OpenAI
		opts := []transcribe.OpenAIOption{transcribe.WithOpenAITimeout(oc.Timeout)}
		if oc.Model != "" {
			opts = append(opts, transcribe.WithOpenAIModel(oc.Model))
		}
		if oc.BaseURL != "" {
			opts = append(opts, transcribe.WithOpenAIBaseURL(oc.BaseURL))
		}
		lang := oc.Language
		if lang == "" {
			lang = cfg.Worker.Language
		}
		if lang != "" {
			opts = append(opts, transcribe.WithOpenAILanguage(lang))
		}
		b, err := transcribe.NewOpenAI(oc.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return b, nil
	})

	// All any-llm-go providers share a factory; they differ only by name.
	for _, providerName := range format.Providers {
		reg.RegisterFormatter(providerName, func(fc config.FormatterConfig) (format.Completer, error) {
			var opts []anyllmlib.Option
			if fc.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(fc.APIKey))
			}
			if fc.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(fc.BaseURL))
			}
			llm, err := format.NewLLM(providerName, fc.Model, opts...)
			if err != nil {
				return nil, err
			}
			return llm, nil
		})
	}
}

// pipeline holds the transcription side shared by the run and transcribe
// commands.
type pipeline struct {
	service    *transcribe.Service
	supervisor *worker.Supervisor
	formatter  *format.Formatter
	vocab      *vocab.Corrector
	closers    []func() error
}

// close stops the worker and releases in-process models. Used when the app
// does not take ownership.
func (p *pipeline) close() {
	if p.supervisor != nil {
		if err := p.supervisor.Stop(); err != nil {
			slog.Warn("worker stop error", "err", err)
		}
	}
	for _, c := range p.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}

// buildPipeline resolves the model, creates the worker supervisor when
// persistent mode is on, instantiates the fallback backends through the
// registry, and builds the optional formatter and vocabulary corrector. A missing model is not fatal
// as long as some backend (e.g. openai) can serve without it.
func buildPipeline(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*pipeline, error) {
	p := &pipeline{}

	modelPath, err := transcribe.FindModel(modelDirs(cfg), cfg.Worker.Model)
	if errors.Is(err, transcribe.ErrModelNotFound) {
		slog.Warn("whisper model not found", "model", cfg.Worker.Model)
		fmt.Fprintln(os.Stderr, transcribe.InstallInstructions(cfg.Worker.Model))
	} else if err != nil {
		return nil, err
	}

	var primary transcribe.Backend
	if cfg.Worker.Enabled && modelPath != "" {
		sup, err := worker.New(workerConfig(cfg, modelPath),
			worker.WithConverters(converters(cfg.Worker.Converters)...),
			worker.WithMetrics(metrics),
		)
		if err != nil {
			return nil, err
		}
		p.supervisor = sup
		primary = transcribe.Persistent{Supervisor: sup}
	}

	var fallbacks []transcribe.Backend
	for _, name := range cfg.Fallback.Backends {
		b, err := reg.CreateBackend(name, cfg, modelPath)
		if err != nil {
			slog.Warn("fallback backend unavailable, skipping", "backend", name, "err", err)
			continue
		}
		if c, ok := b.(io.Closer); ok {
			p.closers = append(p.closers, c.Close)
		}
		fallbacks = append(fallbacks, b)
	}

	p.service, err = transcribe.NewService(primary, fallbacks,
		transcribe.WithServiceMetrics(metrics),
		transcribe.WithBreaker(resilience.CircuitBreakerConfig{
			MaxFailures: cfg.Fallback.BreakerFailures,
			Cooldown:    cfg.Fallback.BreakerCooldown,
		}),
	)
	if err != nil {
		p.close()
		return nil, err
	}

	if cfg.Formatter.Enabled {
		llm, err := reg.CreateFormatter(cfg.Formatter)
		if err != nil {
			slog.Warn("formatter disabled", "provider", cfg.Formatter.Provider, "err", err)
		} else {
			opts := []format.Option{format.WithTimeout(cfg.Formatter.Timeout)}
			for mode, prompt := range cfg.Formatter.Prompts {
				opts = append(opts, format.WithPrompt(mode, prompt))
			}
			p.formatter = format.New(llm, opts...)
		}
	}

	if len(cfg.Vocabulary.Terms) > 0 {
		p.vocab = vocab.New(cfg.Vocabulary.Terms,
			vocab.WithPhoneticThreshold(cfg.Vocabulary.PhoneticThreshold),
			vocab.WithFuzzyThreshold(cfg.Vocabulary.FuzzyThreshold),
		)
	}
	return p, nil
}

func modelDirs(cfg *config.Config) []string {
	if len(cfg.Worker.ModelDirs) > 0 {
		return cfg.Worker.ModelDirs
	}
	return transcribe.DefaultModelDirs(cfg.Worker.WhisperRoot, cfg.Worker.Binary)
}

func workerConfig(cfg *config.Config, modelPath string) worker.Config {
	wc := cfg.Worker
	return worker.Config{
		Binary:         wc.Binary,
		ModelPath:      modelPath,
		Host:           wc.Host,
		Port:           wc.Port,
		Threads:        wc.Threads,
		Language:       wc.Language,
		ExtraArgs:      wc.Args,
		StartGrace:     wc.StartGrace,
		HealthRetries:  wc.HealthRetries,
		HealthBackoff:  wc.HealthBackoff,
		RequestTimeout: wc.RequestTimeout,
		StopTimeout:    wc.StopTimeout,
	}
}

func converters(names []string) []worker.Converter {
	cs := make([]worker.Converter, 0, len(names))
	for _, n := range names {
		switch n {
		case "ffmpeg":
			cs = append(cs, worker.FFmpeg{})
		case "inprocess":
			cs = append(cs, worker.InProcess{})
		}
	}
	return cs
}

func newInjector(cfg *config.Config) (*inject.Injector, error) {
	var opts []inject.Option
	if cfg.Injector.Binary != "" {
		opts = append(opts, inject.WithBinary(cfg.Injector.Binary))
	}
	if cfg.Injector.TypingDelay > 0 {
		opts = append(opts, inject.WithDelay(cfg.Injector.TypingDelay))
	}
	return inject.New(inject.Tool(cfg.Injector.Tool), opts...)
}

func calibratorConfig(cfg *config.Config) segment.CalibratorConfig {
	return segment.CalibratorConfig{
		Factor:     cfg.Calibration.Factor,
		Floor:      cfg.Calibration.Floor,
		Default:    cfg.Calibration.Default,
		Adjustment: cfg.Calibration.Adjustment,
	}
}

// newListener opens nothing yet: the microphone is opened when the app
// starts ranging over the listener.
func newListener(cfg *config.Config, metrics *observe.Metrics) (*segment.Listener, error) {
	dir, err := scratch.New("", "xvoice-")
	if err != nil {
		return nil, err
	}
	src := portaudio.New(cfg.Audio.SampleRate, cfg.Audio.FrameSize, portaudio.WithDevice(cfg.Audio.Device))
	seg := cfg.Segmentation
	return segment.NewListener(src, dir, segment.ListenerConfig{
		Segmenter: segment.SegmenterConfig{
			SampleRate:      cfg.Audio.SampleRate,
			FrameSize:       cfg.Audio.FrameSize,
			SilenceDuration: seg.SilenceDuration,
			MaxDuration:     seg.MaxDuration,
			PreRollCap:      seg.PreRollCap,
			PreRollKeep:     seg.PreRollKeep,
		},
		Calibrator: calibratorConfig(cfg),
		Filter: segment.Filter{
			MinDuration:       seg.MinDuration,
			MinAmplitudeRatio: seg.MinAmplitudeRatio,
		},
		CalibrationWindow:     cfg.Calibration.Window,
		IdleRecalibrateAfter:  cfg.Calibration.IdleAfter,
		IdleRecalibrateChance: cfg.Calibration.IdleChance,
	}, segment.WithMetrics(metrics)), nil
}
