// Package format optionally rewrites transcripts with an LLM before they are
// typed: grammar and punctuation fixes in general mode, email register in
// email mode, and a shell command in command mode.
//
// Formatting never fails from the caller's point of view. Any error, timeout
// or empty completion leaves the transcript unchanged.
package format

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"
)

// Mode selects how transcripts are post-processed and injected.
type Mode string

const (
	ModeGeneral Mode = "general"
	ModeCommand Mode = "command"
	ModeEmail   Mode = "email"
)

// Modes lists every recognised mode.
func Modes() []Mode { return []Mode{ModeGeneral, ModeCommand, ModeEmail} }

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeGeneral, ModeCommand, ModeEmail:
		return true
	}
	return false
}

const (
	// DefaultPrompt is the general-mode instruction.
	DefaultPrompt = "Fix grammar and punctuation only in the following text, maintain original meaning and style: "

	emailPrompt = "Format the following text as professional email content with proper grammar and punctuation:"

	grammarSystem = "You are a helpful assistant that fixes grammar and punctuation only."
	commandSystem = "You are a shell command expert. Only respond with the exact command to run, no explanations or markdown."

	defaultTemperature = 0.3
	defaultMaxTokens   = 1024
	defaultTimeout     = 5 * time.Second
)

// commandPrompt is filled with the operating system name.
const commandPrompt = `You are a command-line expert for %[1]s.
Convert the following spoken instruction into a valid shell command for %[1]s.
Focus on common terminal commands and utilities available on %[1]s systems.
If the instruction appears to be a command already, just fix any syntax errors.
For complex instructions, create a pipeline or script that achieves the goal.
Do not include explanations or markdown formatting, ONLY output the exact command to execute.
For example:
- "list all files in the current directory" → "ls -la"
- "create a new folder called projects" → "mkdir projects"
- "find all python files containing the word error" → "find . -name '*.py' -exec grep -l 'error' {} \;"

Instruction:`

// Request is a single chat completion.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Completer produces a chat completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Formatter rewrites transcripts per [Mode].
type Formatter struct {
	llm     Completer
	prompts map[Mode]string
	goos    string
	timeout time.Duration
	log     *slog.Logger
}

// Option configures a [Formatter].
type Option func(*Formatter)

// WithPrompt overrides the user prompt prefix for mode.
func WithPrompt(mode Mode, prompt string) Option {
	return func(f *Formatter) { f.prompts[mode] = prompt }
}

// WithOS overrides the operating system named in the command-mode prompt.
// It takes a [runtime.GOOS] value.
func WithOS(goos string) Option {
	return func(f *Formatter) { f.goos = goos }
}

// WithTimeout bounds each completion. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(f *Formatter) { f.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Formatter) { f.log = l }
}

// New returns a Formatter backed by llm.
func New(llm Completer, opts ...Option) *Formatter {
	f := &Formatter{
		llm: llm,
		prompts: map[Mode]string{
			ModeGeneral: DefaultPrompt,
			ModeEmail:   emailPrompt,
		},
		goos:    runtime.GOOS,
		timeout: defaultTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Build returns the request sent for text in mode. Unknown modes use the
// general prompt.
func (f *Formatter) Build(text string, mode Mode) Request {
	system := grammarSystem
	prompt, ok := f.prompts[mode]
	if mode == ModeCommand && !ok {
		prompt = fmt.Sprintf(commandPrompt, osName(f.goos))
		system = commandSystem
	} else if !ok {
		prompt = f.prompts[ModeGeneral]
	}
	return Request{
		System:      system,
		Prompt:      strings.TrimRight(prompt, " ") + " " + text,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}
}

// Format returns the rewritten text, or text itself when it is blank or the
// completion fails.
func (f *Formatter) Format(ctx context.Context, text string, mode Mode) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out, err := f.llm.Complete(ctx, f.Build(text, mode))
	if err != nil {
		f.log.Warn("formatting failed, using transcript as is", "mode", mode, "err", err)
		return text
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return text
	}
	return out
}

func osName(goos string) string {
	switch goos {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}
