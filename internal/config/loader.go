package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xvoice/xvoice/internal/format"
)

// KnownBackends lists the fallback backend names understood by [Validate].
var KnownBackends = []string{"whisper-cli", "native", "openai"}

// KnownConverters lists the audio normaliser names understood by [Validate].
var KnownConverters = []string{"ffmpeg", "inprocess"}

// KnownTools lists the injection tools understood by [Validate].
var KnownTools = []string{"wtype", "xdotool", "osascript"}

// Load reads the YAML file at path over [Default], applies the environment
// and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}
	cfg, err := Merge(Default(), data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge returns a copy of defaults with the fields present in the YAML
// document overrides replaced. defaults is not modified. Unknown keys are
// an error. Lists in overrides replace the defaults; maps are merged key by
// key.
func Merge(defaults *Config, overrides []byte) (*Config, error) {
	out := defaults.Clone()
	if len(bytes.TrimSpace(overrides)) == 0 {
		return out, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(overrides))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return out, nil
}

// ApplyEnv fills API keys left empty from OPENAI_API_KEY and the history DSN
// from XVOICE_HISTORY_DSN.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.History.DSN == "" {
		cfg.History.DSN = getenv("XVOICE_HISTORY_DSN")
	}

	key := getenv("OPENAI_API_KEY")
	if key == "" {
		return
	}
	if cfg.Fallback.OpenAI.APIKey == "" {
		cfg.Fallback.OpenAI.APIKey = key
	}
	if cfg.Formatter.APIKey == "" && cfg.Formatter.Provider == "openai" {
		cfg.Formatter.APIKey = key
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: %v", cfg.Mode, format.Modes()))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size must be positive, got %d", cfg.Audio.FrameSize))
	}
	if cfg.Audio.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.channels must be 1 (mono), got %d", cfg.Audio.Channels))
	}
	if cfg.Audio.SampleFormat != "int16" {
		errs = append(errs, fmt.Errorf("audio.sample_format %q is unsupported; only int16 is accepted", cfg.Audio.SampleFormat))
	}

	// Segmentation
	seg := cfg.Segmentation
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"segmentation.silence_duration", seg.SilenceDuration},
		{"segmentation.max_duration", seg.MaxDuration},
		{"segmentation.pre_roll_cap", seg.PreRollCap},
		{"segmentation.pre_roll_keep", seg.PreRollKeep},
		{"segmentation.min_duration", seg.MinDuration},
		{"calibration.window", cfg.Calibration.Window},
		{"calibration.idle_after", cfg.Calibration.IdleAfter},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", d.name, d.v))
		}
	}
	if seg.MaxDuration > 0 && seg.SilenceDuration >= seg.MaxDuration {
		errs = append(errs, fmt.Errorf("segmentation.silence_duration %v must be shorter than max_duration %v", seg.SilenceDuration, seg.MaxDuration))
	}
	if seg.PreRollKeep > seg.PreRollCap {
		errs = append(errs, fmt.Errorf("segmentation.pre_roll_keep %v exceeds pre_roll_cap %v", seg.PreRollKeep, seg.PreRollCap))
	}
	if seg.MinAmplitudeRatio < 0 || seg.MinAmplitudeRatio > 1 {
		errs = append(errs, fmt.Errorf("segmentation.min_amplitude_ratio %.2f is out of range [0, 1]", seg.MinAmplitudeRatio))
	}

	// Calibration
	cal := cfg.Calibration
	if cal.Factor <= 0 {
		errs = append(errs, fmt.Errorf("calibration.factor must be positive, got %.2f", cal.Factor))
	}
	if cal.Floor < 0 {
		errs = append(errs, fmt.Errorf("calibration.floor must not be negative, got %.0f", cal.Floor))
	}
	if cal.Default <= 0 {
		errs = append(errs, fmt.Errorf("calibration.default must be positive, got %.0f", cal.Default))
	}
	if cal.Adjustment < 0 {
		errs = append(errs, fmt.Errorf("calibration.adjustment must not be negative, got %.2f", cal.Adjustment))
	}
	if cal.IdleChance < 0 || cal.IdleChance > 1 {
		errs = append(errs, fmt.Errorf("calibration.idle_chance %.4f is out of range [0, 1]", cal.IdleChance))
	}

	// Worker
	w := cfg.Worker
	if w.Enabled {
		if w.Binary == "" {
			errs = append(errs, errors.New("worker.binary is required when worker.enabled is true"))
		}
		if w.Port <= 0 || w.Port > 65535 {
			errs = append(errs, fmt.Errorf("worker.port %d is out of range", w.Port))
		}
	}
	if w.Model == "" {
		errs = append(errs, errors.New("worker.model is required"))
	}
	for i, c := range w.Converters {
		if !slices.Contains(KnownConverters, c) {
			errs = append(errs, fmt.Errorf("worker.converters[%d] %q is unknown; valid values: %v", i, c, KnownConverters))
		}
	}

	// Fallback
	seen := make(map[string]int, len(cfg.Fallback.Backends))
	for i, b := range cfg.Fallback.Backends {
		prefix := fmt.Sprintf("fallback.backends[%d]", i)
		if !slices.Contains(KnownBackends, b) {
			errs = append(errs, fmt.Errorf("%s %q is unknown; valid values: %v", prefix, b, KnownBackends))
		}
		if prev, ok := seen[b]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of fallback.backends[%d]", prefix, b, prev))
		}
		seen[b] = i
	}
	if !w.Enabled && len(cfg.Fallback.Backends) == 0 {
		errs = append(errs, errors.New("no transcription path: worker is disabled and fallback.backends is empty"))
	}

	// Formatter
	if cfg.Formatter.Enabled {
		if !slices.Contains(format.Providers, cfg.Formatter.Provider) {
			errs = append(errs, fmt.Errorf("formatter.provider %q is unknown; valid values: %v", cfg.Formatter.Provider, format.Providers))
		}
		if cfg.Formatter.Model == "" {
			errs = append(errs, errors.New("formatter.model is required when formatter.enabled is true"))
		}
	}
	for m := range cfg.Formatter.Prompts {
		if !m.IsValid() {
			errs = append(errs, fmt.Errorf("formatter.prompts has unknown mode %q", m))
		}
	}

	// Injector
	if cfg.Injector.Tool != "" && !slices.Contains(KnownTools, cfg.Injector.Tool) {
		errs = append(errs, fmt.Errorf("injector.tool %q is unknown; valid values: %v", cfg.Injector.Tool, KnownTools))
	}
	if cfg.Injector.TypingDelay < 0 {
		errs = append(errs, fmt.Errorf("injector.typing_delay must not be negative, got %v", cfg.Injector.TypingDelay))
	}

	// Vocabulary
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"vocabulary.phonetic_threshold", cfg.Vocabulary.PhoneticThreshold},
		{"vocabulary.fuzzy_threshold", cfg.Vocabulary.FuzzyThreshold},
	} {
		if th.v <= 0 || th.v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range (0, 1]", th.name, th.v))
		}
	}

	return errors.Join(errs...)
}
