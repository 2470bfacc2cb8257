// Package inject types text into the focused window by driving an OS
// automation tool: wtype on Wayland, xdotool on X11 and osascript on macOS.
package inject

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ErrUnavailable is returned when no usable injection tool was found.
var ErrUnavailable = errors.New("inject: no text injection tool available")

// Tool names a supported injection backend.
type Tool string

const (
	ToolWtype     Tool = "wtype"
	ToolXdotool   Tool = "xdotool"
	ToolOsascript Tool = "osascript"
)

// Runner executes a command, feeding stdin when non-empty.
type Runner func(ctx context.Context, stdin string, name string, args ...string) error

func execRunner(ctx context.Context, stdin string, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Injector types text through one [Tool].
type Injector struct {
	tool   Tool
	binary string
	delay  time.Duration
	run    Runner
	sleep  func(context.Context, time.Duration) error
}

// Option configures an [Injector].
type Option func(*Injector)

// WithBinary overrides the executable path of the tool.
func WithBinary(path string) Option {
	return func(i *Injector) { i.binary = path }
}

// WithDelay types one character at a time with d between characters.
func WithDelay(d time.Duration) Option {
	return func(i *Injector) { i.delay = d }
}

// WithRunner replaces the subprocess runner. Used by tests.
func WithRunner(r Runner) Option {
	return func(i *Injector) { i.run = r }
}

// New returns an injector for tool. An empty tool picks one for the current
// session with [Detect].
func New(tool Tool, opts ...Option) (*Injector, error) {
	if tool == "" {
		tool = Detect(runtime.GOOS, os.Getenv)
	}
	switch tool {
	case ToolWtype, ToolXdotool, ToolOsascript:
	default:
		return nil, fmt.Errorf("inject: unknown tool %q", tool)
	}
	i := &Injector{tool: tool, binary: string(tool), run: execRunner, sleep: sleepCtx}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// Detect picks the tool for the platform: osascript on macOS, wtype when
// WAYLAND_DISPLAY is set, xdotool otherwise.
func Detect(goos string, getenv func(string) string) Tool {
	if goos == "darwin" {
		return ToolOsascript
	}
	if getenv("WAYLAND_DISPLAY") != "" {
		return ToolWtype
	}
	return ToolXdotool
}

// Tool returns the selected tool.
func (i *Injector) Tool() Tool { return i.tool }

// Available reports whether the tool can be run.
func (i *Injector) Available(ctx context.Context) error {
	var err error
	switch i.tool {
	case ToolOsascript:
		err = i.run(ctx, "", i.binary, "-e", `return "test"`)
	case ToolXdotool:
		err = i.run(ctx, "", i.binary, "version")
	default:
		_, err = exec.LookPath(i.binary)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, i.tool, err)
	}
	return nil
}

// Type injects text into the focused window. Empty text is a no-op.
func (i *Injector) Type(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if i.delay <= 0 {
		return i.typeChunk(ctx, text)
	}
	for n, r := range []rune(text) {
		if n > 0 {
			if err := i.sleep(ctx, i.delay); err != nil {
				return err
			}
		}
		if err := i.typeChunk(ctx, string(r)); err != nil {
			return err
		}
	}
	return nil
}

func (i *Injector) typeChunk(ctx context.Context, s string) error {
	var err error
	switch i.tool {
	case ToolWtype:
		// "-" reads the text from stdin, which sidesteps option parsing
		// for text starting with a dash.
		err = i.run(ctx, s, i.binary, "-")
	case ToolXdotool:
		err = i.run(ctx, "", i.binary, "type", "--clearmodifiers", "--", s)
	case ToolOsascript:
		err = i.run(ctx, "", i.binary, "-e", `tell application "System Events" to keystroke "`+appleScriptEscape(s)+`"`)
	}
	if err != nil {
		return fmt.Errorf("inject: type: %w", err)
	}
	return nil
}

// PressEnter sends a Return keypress.
func (i *Injector) PressEnter(ctx context.Context) error {
	var err error
	switch i.tool {
	case ToolWtype:
		err = i.run(ctx, "", i.binary, "-k", "Return")
	case ToolXdotool:
		err = i.run(ctx, "", i.binary, "key", "--clearmodifiers", "Return")
	case ToolOsascript:
		err = i.run(ctx, "", i.binary, "-e", `tell application "System Events" to key code 36`)
	}
	if err != nil {
		return fmt.Errorf("inject: key Return: %w", err)
	}
	return nil
}

func appleScriptEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
