package format_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xvoice/xvoice/internal/format"
)

type fakeCompleter struct {
	out       string
	err       error
	block     bool
	last      format.Request
	CallCount int
}

func (f *fakeCompleter) Complete(ctx context.Context, req format.Request) (string, error) {
	f.CallCount++
	f.last = req
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.out, f.err
}

func TestFormat_General(t *testing.T) {
	llm := &fakeCompleter{out: "  Hello, world.\n"}
	f := format.New(llm)

	got := f.Format(context.Background(), "hello world", format.ModeGeneral)
	if got != "Hello, world." {
		t.Errorf("Format = %q", got)
	}
	if llm.last.System != "You are a helpful assistant that fixes grammar and punctuation only." {
		t.Errorf("system = %q", llm.last.System)
	}
	want := "Fix grammar and punctuation only in the following text, maintain original meaning and style: hello world"
	if llm.last.Prompt != want {
		t.Errorf("prompt = %q, want %q", llm.last.Prompt, want)
	}
	if llm.last.Temperature != 0.3 || llm.last.MaxTokens != 1024 {
		t.Errorf("temperature/max tokens = %v/%d", llm.last.Temperature, llm.last.MaxTokens)
	}
}

func TestFormat_Email(t *testing.T) {
	llm := &fakeCompleter{out: "Dear team,"}
	f := format.New(llm)
	f.Format(context.Background(), "dear team", format.ModeEmail)
	if !strings.HasPrefix(llm.last.Prompt, "Format the following text as professional email content") {
		t.Errorf("prompt = %q", llm.last.Prompt)
	}
	if !strings.HasSuffix(llm.last.Prompt, ": dear team") {
		t.Errorf("prompt = %q", llm.last.Prompt)
	}
}

func TestFormat_CommandIsOSSpecific(t *testing.T) {
	tests := []struct {
		goos string
		want string
	}{
		{"darwin", "command-line expert for macOS"},
		{"linux", "command-line expert for Linux"},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			llm := &fakeCompleter{out: "ls -la"}
			f := format.New(llm, format.WithOS(tt.goos))
			got := f.Format(context.Background(), "list all files", format.ModeCommand)
			if got != "ls -la" {
				t.Errorf("Format = %q", got)
			}
			if !strings.Contains(llm.last.Prompt, tt.want) {
				t.Errorf("prompt missing %q:\n%s", tt.want, llm.last.Prompt)
			}
			if !strings.HasSuffix(llm.last.Prompt, "Instruction: list all files") {
				t.Errorf("prompt tail = %q", llm.last.Prompt[len(llm.last.Prompt)-40:])
			}
			if !strings.HasPrefix(llm.last.System, "You are a shell command expert.") {
				t.Errorf("system = %q", llm.last.System)
			}
		})
	}
}

func TestFormat_CustomPrompt(t *testing.T) {
	llm := &fakeCompleter{out: "ok"}
	f := format.New(llm, format.WithPrompt(format.ModeCommand, "Rewrite as a command:"))
	f.Format(context.Background(), "go home", format.ModeCommand)
	if llm.last.Prompt != "Rewrite as a command: go home" {
		t.Errorf("prompt = %q", llm.last.Prompt)
	}
	if llm.last.System != "You are a helpful assistant that fixes grammar and punctuation only." {
		t.Errorf("system = %q", llm.last.System)
	}
}

func TestFormat_FallsBackToOriginal(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeCompleter
	}{
		{"error", &fakeCompleter{err: errors.New("rate limited")}},
		{"empty", &fakeCompleter{out: "   "}},
		{"timeout", &fakeCompleter{block: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := format.New(tt.llm, format.WithTimeout(10*time.Millisecond))
			if got := f.Format(context.Background(), "keep me", format.ModeGeneral); got != "keep me" {
				t.Errorf("Format = %q, want original", got)
			}
		})
	}
}

func TestFormat_BlankSkipsLLM(t *testing.T) {
	llm := &fakeCompleter{out: "unused"}
	f := format.New(llm)
	if got := f.Format(context.Background(), "  ", format.ModeGeneral); got != "  " {
		t.Errorf("Format = %q", got)
	}
	if llm.CallCount != 0 {
		t.Errorf("llm called %d times", llm.CallCount)
	}
}

func TestMode_IsValid(t *testing.T) {
	for _, m := range format.Modes() {
		if !m.IsValid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if format.Mode("dictate").IsValid() {
		t.Error(`"dictate" should be invalid`)
	}
}
