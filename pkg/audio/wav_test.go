package audio_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/xvoice/xvoice/pkg/audio"
)

func TestWriteReadWAV_RoundTrip(t *testing.T) {
	frames := []audio.Frame{
		{Samples: []int16{0, 1, -1, 32767}, SampleRate: 16000},
		{Samples: []int16{-32768, 1234, -4321, 0}, SampleRate: 16000},
	}
	path := filepath.Join(t.TempDir(), "utt.wav")
	if err := audio.WriteWAV(path, frames); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	samples, format, err := audio.ReadWAV(path)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if format != audio.Mono16k {
		t.Errorf("format = %v, want %v", format, audio.Mono16k)
	}
	if want := audio.Concat(frames); !slices.Equal(samples, want) {
		t.Errorf("samples = %v, want %v", samples, want)
	}
}

func TestWriteWAV_PCMBytesIdentical(t *testing.T) {
	frame := audio.Frame{Samples: []int16{7, -7, 300, -300, 12000}, SampleRate: 16000}
	path := filepath.Join(t.TempDir(), "utt.wav")
	if err := audio.WriteWAV(path, []audio.Frame{frame}); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Canonical 44-byte header followed by the data chunk.
	var want []byte
	for _, s := range frame.Samples {
		want = binary.LittleEndian.AppendUint16(want, uint16(s))
	}
	if got := raw[44:]; !slices.Equal(got, want) {
		t.Errorf("data chunk = %v, want %v", got, want)
	}
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	if err := audio.WriteWAV(path, []audio.Frame{{Samples: make([]int16, 160), SampleRate: 8000}}); err != nil {
		t.Fatal(err)
	}
	format, depth, err := audio.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if format.SampleRate != 8000 || format.Channels != 1 || depth != 16 {
		t.Errorf("Inspect = %v/%d, want 8000Hz mono/16", format, depth)
	}
}

func TestReadWAV_NotAWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	if err := os.WriteFile(path, []byte("definitely not riff data"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := audio.ReadWAV(path)
	if !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("err = %v, want ErrInvalidWAV", err)
	}
}
