package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavFormatPCM is the RIFF audio format tag for uncompressed PCM.
const wavFormatPCM = 1

// ErrInvalidWAV is returned when a file is not a readable RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid wav file")

// EncodeWAV writes samples as a 16-bit PCM WAV stream in format f.
func EncodeWAV(w io.WriteSeeker, samples []int16, f Format) error {
	enc := wav.NewEncoder(w, f.SampleRate, BitsPerSample, f.Channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: f.Channels,
			SampleRate:  f.SampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: BitsPerSample,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav: %w", err)
	}
	return nil
}

// WriteWAV serialises frames as a mono 16-bit PCM WAV file at path. The
// sample rate is taken from the first frame; an empty frame list produces a
// valid zero-length file at [DefaultSampleRate].
func WriteWAV(path string, frames []Frame) error {
	rate := DefaultSampleRate
	if len(frames) > 0 && frames[0].SampleRate > 0 {
		rate = frames[0].SampleRate
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %q: %w", path, err)
	}
	if err := EncodeWAV(f, Concat(frames), Format{SampleRate: rate, Channels: 1}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// ReadWAV decodes a 16-bit PCM WAV file and returns its interleaved samples
// and format. Files with any other bit depth return [ErrUnsupportedFormat].
func ReadWAV(path string) ([]int16, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	if dec.BitDepth != BitsPerSample || dec.WavAudioFormat != wavFormatPCM {
		return nil, Format{}, fmt.Errorf("%w: %d-bit format tag %d", ErrUnsupportedFormat, dec.BitDepth, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode %q: %w", path, err)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return samples, Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

// Inspect reads only the WAV header of path and reports its format and bit
// depth. Non-WAV files return [ErrInvalidWAV].
func Inspect(path string) (Format, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, 0, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Format{}, 0, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	return Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, int(dec.BitDepth), nil
}
