package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xvoice/xvoice/internal/app"
	"github.com/xvoice/xvoice/internal/config"
	"github.com/xvoice/xvoice/internal/format"
	"github.com/xvoice/xvoice/internal/transcribe"
	"github.com/xvoice/xvoice/internal/vocab"
	"github.com/xvoice/xvoice/internal/worker"
	historymock "github.com/xvoice/xvoice/pkg/history/mock"
)

// fakeCapture yields the scripted paths, then Err if set.
type fakeCapture struct {
	Paths     []string
	Err       error
	threshold float64

	CallCountClose int
}

func (c *fakeCapture) Listen(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i, p := range c.Paths {
			if ctx.Err() != nil {
				return
			}
			c.threshold = 1000 + float64(i)*200
			if !yield(p, nil) {
				return
			}
		}
		if c.Err != nil {
			yield("", c.Err)
		}
	}
}

func (c *fakeCapture) Threshold() float64 { return c.threshold }

func (c *fakeCapture) Close() error {
	c.CallCountClose++
	return nil
}

type fakeTranscriber struct {
	Results  map[string]transcribe.Result
	Errs     map[string]error
	Names    []string
	Received []string
}

func (t *fakeTranscriber) Transcribe(_ context.Context, path string) (transcribe.Result, error) {
	t.Received = append(t.Received, filepath.Base(path))
	if err := t.Errs[filepath.Base(path)]; err != nil {
		return transcribe.Result{}, err
	}
	return t.Results[filepath.Base(path)], nil
}

func (t *fakeTranscriber) Backends() []string { return t.Names }

type fakeInjector struct {
	mu           sync.Mutex
	AvailableErr error
	TypeErr      error
	Typed        []string
	Enters       int
}

func (i *fakeInjector) Available(context.Context) error { return i.AvailableErr }

func (i *fakeInjector) Type(_ context.Context, text string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.TypeErr != nil {
		return i.TypeErr
	}
	i.Typed = append(i.Typed, text)
	return nil
}

func (i *fakeInjector) PressEnter(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Enters++
	return nil
}

type upperFormatter struct{ Modes []format.Mode }

func (f *upperFormatter) Format(_ context.Context, text string, mode format.Mode) string {
	f.Modes = append(f.Modes, mode)
	return strings.ToUpper(text)
}

type fakeWorker struct {
	StartErr error
	state    worker.State

	CallCountStart int
	CallCountStop  int
}

func (w *fakeWorker) Start(context.Context) error {
	w.CallCountStart++
	if w.StartErr != nil {
		w.state = worker.Disabled
		return w.StartErr
	}
	w.state = worker.Running
	return nil
}

func (w *fakeWorker) Stop() error {
	w.CallCountStop++
	w.state = worker.Stopped
	return nil
}

func (w *fakeWorker) State() worker.State { return w.state }

func (w *fakeWorker) Check(context.Context) error {
	if w.state == worker.Disabled {
		return errors.New("worker disabled")
	}
	return nil
}

// utterances creates empty files standing in for captured WAVs.
func utterances(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		if err := os.WriteFile(paths[i], []byte("RIFF"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func newApp(t *testing.T, cfg *config.Config, c app.Capture, tr app.Transcriber, inj app.Injector, opts ...app.Option) (*app.App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	a, err := app.New(cfg, c, tr, inj, append([]app.Option{app.WithOutput(&out)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, &out
}

func TestNew_RequiresSubsystems(t *testing.T) {
	t.Parallel()
	if _, err := app.New(config.Default(), nil, &fakeTranscriber{}, &fakeInjector{}); err == nil {
		t.Error("expected error for nil capture")
	}
	if _, err := app.New(nil, &fakeCapture{}, &fakeTranscriber{}, &fakeInjector{}); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestRun_TypesTranscripts(t *testing.T) {
	t.Parallel()
	paths := utterances(t, "u1.wav", "u2.wav")
	tr := &fakeTranscriber{Results: map[string]transcribe.Result{
		"u1.wav": {Text: "hello world", Backend: "worker"},
		"u2.wav": {Text: "second line", Backend: "whisper-cli"},
	}}
	inj := &fakeInjector{}
	a, out := newApp(t, config.Default(), &fakeCapture{Paths: paths}, tr, inj)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(inj.Typed, []string{"hello world", "second line"}) {
		t.Errorf("typed = %q", inj.Typed)
	}
	if inj.Enters != 0 {
		t.Errorf("Enter pressed %d times in general mode", inj.Enters)
	}
	if !strings.Contains(out.String(), "Transcribed: hello world") {
		t.Errorf("output = %q", out.String())
	}
	for _, p := range paths {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("utterance %s not removed", p)
		}
	}

	snap := a.Snapshot()
	if snap.Utterances != 2 || snap.Transcribed != 2 || snap.LastBackend != "whisper-cli" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Threshold != 1200 {
		t.Errorf("threshold = %v, want 1200", snap.Threshold)
	}
}

func TestRun_CommandMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		execute bool
		enters  int
	}{
		{"execute", true, 1},
		{"type only", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			cfg.Mode = format.ModeCommand
			cfg.Injector.ExecuteCommands = tt.execute
			tr := &fakeTranscriber{Results: map[string]transcribe.Result{"c.wav": {Text: "ls -la"}}}
			inj := &fakeInjector{}
			a, _ := newApp(t, cfg, &fakeCapture{Paths: utterances(t, "c.wav")}, tr, inj)
			if err := a.Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if inj.Enters != tt.enters {
				t.Errorf("enters = %d, want %d", inj.Enters, tt.enters)
			}
		})
	}
}

func TestRun_NoSpeech(t *testing.T) {
	t.Parallel()
	tr := &fakeTranscriber{Results: map[string]transcribe.Result{"e.wav": {Text: "  ", Backend: "worker"}}}
	inj := &fakeInjector{}
	a, out := newApp(t, config.Default(), &fakeCapture{Paths: utterances(t, "e.wav")}, tr, inj)
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(inj.Typed) != 0 {
		t.Errorf("typed %q for empty transcript", inj.Typed)
	}
	if !strings.Contains(out.String(), "No speech detected") {
		t.Errorf("output = %q", out.String())
	}
	if snap := a.Snapshot(); snap.Empty != 1 || snap.Transcribed != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRun_TranscriptionFailureContinues(t *testing.T) {
	t.Parallel()
	tr := &fakeTranscriber{
		Results: map[string]transcribe.Result{"ok.wav": {Text: "still here"}},
		Errs:    map[string]error{"bad.wav": worker.ErrNetwork},
	}
	inj := &fakeInjector{}
	a, out := newApp(t, config.Default(), &fakeCapture{Paths: utterances(t, "bad.wav", "ok.wav")}, tr, inj)
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(inj.Typed, []string{"still here"}) {
		t.Errorf("typed = %q", inj.Typed)
	}
	if !strings.Contains(out.String(), "utterance dropped") {
		t.Errorf("output = %q", out.String())
	}
	if snap := a.Snapshot(); snap.Failed != 1 || snap.Transcribed != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRun_FailureBacksOff(t *testing.T) {
	t.Parallel()
	tr := &fakeTranscriber{
		Results: map[string]transcribe.Result{"ok.wav": {Text: "recovered"}},
		Errs:    map[string]error{"b1.wav": worker.ErrNetwork, "b2.wav": worker.ErrBadResponse},
	}
	inj := &fakeInjector{}
	const backoff = 40 * time.Millisecond
	a, _ := newApp(t, config.Default(), &fakeCapture{Paths: utterances(t, "b1.wav", "b2.wav", "ok.wav")}, tr, inj,
		app.WithFailureBackoff(backoff))

	start := time.Now()
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 2*backoff {
		t.Errorf("Run took %v after two failures, want at least %v", elapsed, 2*backoff)
	}
	if !slices.Equal(inj.Typed, []string{"recovered"}) {
		t.Errorf("typed = %q", inj.Typed)
	}
}

func TestRun_FailureBackoffStopsOnCancel(t *testing.T) {
	t.Parallel()
	tr := &fakeTranscriber{Errs: map[string]error{"bad.wav": worker.ErrNetwork}}
	a, _ := newApp(t, config.Default(), &fakeCapture{Paths: utterances(t, "bad.wav", "next.wav")}, tr, &fakeInjector{},
		app.WithFailureBackoff(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation during backoff")
	}
	if !slices.Equal(tr.Received, []string{"bad.wav"}) {
		t.Errorf("transcribed %q, want only bad.wav", tr.Received)
	}
}

func TestRun_FormatterApplied(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Mode = format.ModeEmail
	tr := &fakeTranscriber{Results: map[string]transcribe.Result{"f.wav": {Text: "dear team"}}}
	inj := &fakeInjector{}
	f := &upperFormatter{}
	a, _ := newApp(t, cfg, &fakeCapture{Paths: utterances(t, "f.wav")}, tr, inj, app.WithFormatter(f))
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(inj.Typed, []string{"DEAR TEAM"}) {
		t.Errorf("typed = %q", inj.Typed)
	}
	if !slices.Equal(f.Modes, []format.Mode{format.ModeEmail}) {
		t.Errorf("formatter modes = %v", f.Modes)
	}
}

func TestRun_VocabularyBeforeFormatter(t *testing.T) {
	t.Parallel()
	tr := &fakeTranscriber{Results: map[string]transcribe.Result{"v.wav": {Text: "push it to git hub"}}}
	inj := &fakeInjector{}
	f := &upperFormatter{}
	a, out := newApp(t, config.Default(), &fakeCapture{Paths: utterances(t, "v.wav")}, tr, inj,
		app.WithVocabulary(vocab.New([]string{"GitHub"})), app.WithFormatter(f))
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(inj.Typed, []string{"PUSH IT TO GITHUB"}) {
		t.Errorf("typed = %q", inj.Typed)
	}
	if !strings.Contains(out.String(), "Transcribed: PUSH IT TO GITHUB") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_RecordsHistory(t *testing.T) {
	t.Parallel()
	tr := &fakeTranscriber{Results: map[string]transcribe.Result{
		"h1.wav": {Text: " dear team ", Backend: "worker"},
		"h2.wav": {Text: ""},
	}}
	inj := &fakeInjector{}
	store := &historymock.Store{}
	cfg := config.Default()
	cfg.Mode = format.ModeEmail
	a, _ := newApp(t, cfg, &fakeCapture{Paths: utterances(t, "h1.wav", "h2.wav")}, tr, inj,
		app.WithFormatter(&upperFormatter{}), app.WithHistory(store))
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	entries := store.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want one (empty transcripts are not recorded)", entries)
	}
	e := entries[0]
	if e.Text != "DEAR TEAM" || e.RawText != "dear team" || e.Backend != "worker" || e.Mode != "email" {
		t.Errorf("entry = %+v", e)
	}
	if e.SessionID == "" || e.SessionID != a.Snapshot().ID {
		t.Errorf("session id = %q, snapshot id = %q", e.SessionID, a.Snapshot().ID)
	}
}

func TestRun_HistoryFailureStillTypes(t *testing.T) {
	t.Parallel()
	tr := &fakeTranscriber{Results: map[string]transcribe.Result{"h.wav": {Text: "hello"}}}
	inj := &fakeInjector{}
	store := &historymock.Store{WriteErr: errors.New("connection refused")}
	a, _ := newApp(t, config.Default(), &fakeCapture{Paths: utterances(t, "h.wav")}, tr, inj, app.WithHistory(store))
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(inj.Typed, []string{"hello"}) {
		t.Errorf("typed = %q", inj.Typed)
	}
	if store.CallCount("Write") != 1 {
		t.Errorf("Write calls = %d", store.CallCount("Write"))
	}
}

func TestRun_TypeFailureReported(t *testing.T) {
	t.Parallel()
	tr := &fakeTranscriber{Results: map[string]transcribe.Result{"t.wav": {Text: "x"}}}
	inj := &fakeInjector{TypeErr: errors.New("wtype: exit status 1")}
	a, out := newApp(t, config.Default(), &fakeCapture{Paths: utterances(t, "t.wav")}, tr, inj)
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Failed to type text") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_FatalCaptureError(t *testing.T) {
	t.Parallel()
	devErr := errors.New("device unplugged")
	a, _ := newApp(t, config.Default(), &fakeCapture{Err: devErr}, &fakeTranscriber{}, &fakeInjector{})
	err := a.Run(context.Background())
	if !errors.Is(err, devErr) {
		t.Errorf("Run err = %v, want %v", err, devErr)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &fakeTranscriber{}
	a, _ := newApp(t, config.Default(), &fakeCapture{Paths: utterances(t, "never.wav")}, tr, &fakeInjector{})
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.Received) != 0 {
		t.Errorf("transcribed %v after cancellation", tr.Received)
	}
}

func TestRun_StatusServerStopsWithCapture(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a, _ := newApp(t, cfg, &fakeCapture{}, &fakeTranscriber{}, &fakeInjector{})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after capture ended")
	}
}

func TestPreflight(t *testing.T) {
	t.Parallel()
	startErr := errors.New("model missing")
	tests := []struct {
		name     string
		injector *fakeInjector
		worker   *fakeWorker
		backends []string
		wantErr  error
	}{
		{"worker ok", &fakeInjector{}, &fakeWorker{}, []string{"worker"}, nil},
		{"worker fails with fallback", &fakeInjector{}, &fakeWorker{StartErr: startErr}, []string{"worker", "whisper-cli"}, nil},
		{"worker fails alone", &fakeInjector{}, &fakeWorker{StartErr: startErr}, []string{"worker"}, app.ErrNoTranscriptionPath},
		{"no worker no backends", &fakeInjector{}, nil, nil, app.ErrNoTranscriptionPath},
		{"fallback only", &fakeInjector{}, nil, []string{"openai"}, nil},
		{"injector missing", &fakeInjector{AvailableErr: errors.New("wtype not found")}, &fakeWorker{}, []string{"worker"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var opts []app.Option
			if tt.worker != nil {
				opts = append(opts, app.WithWorker(tt.worker))
			}
			a, _ := newApp(t, config.Default(), &fakeCapture{}, &fakeTranscriber{Names: tt.backends}, tt.injector, opts...)
			err := a.Preflight(context.Background())
			switch {
			case tt.injector.AvailableErr != nil:
				if err == nil || !strings.Contains(err.Error(), "text injection") {
					t.Errorf("err = %v, want injection error", err)
				}
				if tt.worker.CallCountStart != 0 {
					t.Error("worker started despite missing injector")
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
			case err != nil:
				t.Errorf("unexpected err: %v", err)
			}
		})
	}
}

func TestHandler_Status(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Mode = format.ModeCommand
	w := &fakeWorker{StartErr: errors.New("boom")}
	a, _ := newApp(t, cfg, &fakeCapture{}, &fakeTranscriber{Names: []string{"worker", "whisper-cli"}}, &fakeInjector{}, app.WithWorker(w))
	if err := a.Preflight(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status  string            `json:"status"`
		Checks  map[string]string `json:"checks"`
		Session app.SessionInfo   `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Session.Mode != format.ModeCommand || body.Session.Worker != "disabled" {
		t.Errorf("session = %+v", body.Session)
	}
	if body.Checks["worker"] != "fail: worker disabled" || body.Checks["capture"] != "fail: not capturing" {
		t.Errorf("checks = %v", body.Checks)
	}

	ready, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	ready.Body.Close()
	if ready.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", ready.StatusCode)
	}

	metrics, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", metrics.StatusCode)
	}
}

func TestShutdown_ReleasesOnce(t *testing.T) {
	t.Parallel()
	c := &fakeCapture{}
	w := &fakeWorker{}
	var closed int
	a, _ := newApp(t, config.Default(), c, &fakeTranscriber{}, &fakeInjector{},
		app.WithWorker(w), app.WithCloser(func() error { closed++; return nil }))

	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if c.CallCountClose != 1 || w.CallCountStop != 1 || closed != 1 {
		t.Errorf("close=%d stop=%d closer=%d, want 1 each", c.CallCountClose, w.CallCountStop, closed)
	}
}

func TestShutdown_DeadlineExceeded(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &fakeCapture{}
	a, _ := newApp(t, config.Default(), c, &fakeTranscriber{}, &fakeInjector{})
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if c.CallCountClose != 0 {
		t.Error("closer ran after deadline")
	}
}
