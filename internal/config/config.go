// Package config provides the configuration schema, loader, and backend
// registry for xvoice.
//
// A configuration is built once at startup: [Default] values, overlaid with
// the YAML file and command-line overrides through [Merge], completed with
// [ApplyEnv] and checked by [Validate]. The result is treated as immutable.
package config

import (
	"slices"
	"time"

	"github.com/xvoice/xvoice/internal/format"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	LogLevel     LogLevel           `yaml:"log_level"`
	Mode         format.Mode        `yaml:"mode"`
	Audio        AudioConfig        `yaml:"audio"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Calibration  CalibrationConfig  `yaml:"calibration"`
	Worker       WorkerConfig       `yaml:"worker"`
	Fallback     FallbackConfig     `yaml:"fallback"`
	Formatter    FormatterConfig    `yaml:"formatter"`
	Injector     InjectorConfig     `yaml:"injector"`
	Vocabulary   VocabularyConfig   `yaml:"vocabulary"`
	History      HistoryConfig      `yaml:"history"`
	Server       ServerConfig       `yaml:"server"`
}

// AudioConfig describes the capture stream.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per device read.
	FrameSize int `yaml:"frame_size"`

	// Channels must be 1.
	Channels int `yaml:"channels"`

	// SampleFormat must be "int16".
	SampleFormat string `yaml:"sample_format"`

	// Device selects an input device by case-insensitive name substring.
	// Empty uses the system default.
	Device string `yaml:"device"`
}

// SegmentationConfig holds the utterance boundaries and the false-positive
// limits.
type SegmentationConfig struct {
	SilenceDuration time.Duration `yaml:"silence_duration"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	PreRollCap      time.Duration `yaml:"pre_roll_cap"`
	PreRollKeep     time.Duration `yaml:"pre_roll_keep"`

	// MinDuration is the shortest voiced span accepted as speech.
	MinDuration time.Duration `yaml:"min_duration"`

	// MinAmplitudeRatio is the fraction of the threshold the average voiced
	// peak must reach.
	MinAmplitudeRatio float64 `yaml:"min_amplitude_ratio"`
}

// CalibrationConfig holds the threshold derivation and recalibration policy.
type CalibrationConfig struct {
	Window     time.Duration `yaml:"window"`
	Factor     float64       `yaml:"factor"`
	Floor      float64       `yaml:"floor"`
	Default    float64       `yaml:"default"`
	Adjustment float64       `yaml:"adjustment"`

	IdleAfter  time.Duration `yaml:"idle_after"`
	IdleChance float64       `yaml:"idle_chance"`
}

// WorkerConfig configures the persistent whisper.cpp server.
type WorkerConfig struct {
	// Enabled turns persistent mode on. When off every request goes to the
	// fallback backends.
	Enabled bool `yaml:"enabled"`

	Binary string `yaml:"binary"`

	// Model is a model name such as "small" or a path to a ggml file.
	Model string `yaml:"model"`

	// ModelDirs are searched for ggml-<model>.bin. Empty uses the built-in
	// search path.
	ModelDirs []string `yaml:"model_dirs"`

	// WhisperRoot is a whisper.cpp checkout whose models directory is
	// searched.
	WhisperRoot string `yaml:"whisper_root"`

	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Threads  int      `yaml:"threads"`
	Language string   `yaml:"language"`
	Args     []string `yaml:"args"`

	StartGrace     time.Duration `yaml:"start_grace"`
	HealthRetries  int           `yaml:"health_retries"`
	HealthBackoff  time.Duration `yaml:"health_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`

	// Converters lists the audio normalisers tried in order.
	Converters []string `yaml:"converters"`
}

// FallbackConfig configures the one-shot backends used when the worker is
// unavailable.
type FallbackConfig struct {
	// Backends are tried in order. Known names: whisper-cli, native, openai.
	Backends []string `yaml:"backends"`

	// CLIBinary is the whisper.cpp command line executable.
	CLIBinary string `yaml:"cli_binary"`

	OpenAI OpenAIConfig `yaml:"openai"`

	// BreakerFailures consecutive failures open a backend's breaker.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// OpenAIConfig configures the hosted Whisper API.
type OpenAIConfig struct {
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	Language string        `yaml:"language"`
	Timeout  time.Duration `yaml:"timeout"`
}

// FormatterConfig configures optional LLM post-processing.
type FormatterConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`

	// Prompts override the per-mode prompt prefix.
	Prompts map[format.Mode]string `yaml:"prompts"`
}

// InjectorConfig configures text injection.
type InjectorConfig struct {
	// Tool is wtype, xdotool or osascript. Empty detects one.
	Tool string `yaml:"tool"`

	// Binary overrides the tool's executable path.
	Binary string `yaml:"binary"`

	// TypingDelay types one character at a time when positive.
	TypingDelay time.Duration `yaml:"typing_delay"`

	// ExecuteCommands presses Enter after typing in command mode.
	ExecuteCommands bool `yaml:"execute_commands"`
}

// VocabularyConfig lists terms that transcripts are corrected towards.
type VocabularyConfig struct {
	Terms []string `yaml:"terms"`

	// PhoneticThreshold is the minimum Jaro-Winkler score for a window that
	// sounds like a term.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`

	// FuzzyThreshold is the minimum score for a plain spelling match.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// HistoryConfig configures the optional transcript history.
type HistoryConfig struct {
	// DSN is a PostgreSQL connection string. Empty disables the history.
	// XVOICE_HISTORY_DSN is used when unset.
	DSN string `yaml:"dsn"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz, /readyz and /status. Empty
	// disables the server.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Mode:     format.ModeGeneral,
		Audio: AudioConfig{
			SampleRate:   16000,
			FrameSize:    1024,
			Channels:     1,
			SampleFormat: "int16",
		},
		Segmentation: SegmentationConfig{
			SilenceDuration:   1500 * time.Millisecond,
			MaxDuration:       20 * time.Second,
			PreRollCap:        time.Second,
			PreRollKeep:       300 * time.Millisecond,
			MinDuration:       300 * time.Millisecond,
			MinAmplitudeRatio: 0.7,
		},
		Calibration: CalibrationConfig{
			Window:     2 * time.Second,
			Factor:     1.2,
			Floor:      300,
			Default:    1000,
			Adjustment: 1,
			IdleAfter:  time.Minute,
			IdleChance: 0.001,
		},
		Worker: WorkerConfig{
			Enabled:        true,
			Binary:         "whisper-server",
			Model:          "small",
			Host:           "127.0.0.1",
			Port:           8178,
			StartGrace:     2 * time.Second,
			HealthRetries:  10,
			HealthBackoff:  500 * time.Millisecond,
			RequestTimeout: 30 * time.Second,
			StopTimeout:    5 * time.Second,
			Converters:     []string{"ffmpeg", "inprocess"},
		},
		Fallback: FallbackConfig{
			Backends:        []string{"whisper-cli"},
			CLIBinary:       "whisper-cli",
			BreakerFailures: 3,
			BreakerCooldown: time.Minute,
			OpenAI: OpenAIConfig{
				Model:   "whisper-1",
				Timeout: 30 * time.Second,
			},
		},
		Formatter: FormatterConfig{
			Provider: "openai",
			Model:    "gpt-3.5-turbo",
			Timeout:  5 * time.Second,
		},
		Injector: InjectorConfig{
			ExecuteCommands: true,
		},
		Vocabulary: VocabularyConfig{
			PhoneticThreshold: 0.80,
			FuzzyThreshold:    0.90,
		},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Worker.ModelDirs = slices.Clone(c.Worker.ModelDirs)
	out.Worker.Args = slices.Clone(c.Worker.Args)
	out.Worker.Converters = slices.Clone(c.Worker.Converters)
	out.Fallback.Backends = slices.Clone(c.Fallback.Backends)
	out.Vocabulary.Terms = slices.Clone(c.Vocabulary.Terms)
	if c.Formatter.Prompts != nil {
		out.Formatter.Prompts = make(map[format.Mode]string, len(c.Formatter.Prompts))
		for k, v := range c.Formatter.Prompts {
			out.Formatter.Prompts[k] = v
		}
	}
	return &out
}
