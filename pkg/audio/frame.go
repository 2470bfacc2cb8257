// Package audio defines the PCM frame model, the capture [Source] capability,
// and the WAV and sample-format helpers shared by the segmentation engine and
// the transcription worker.
//
// All audio handled by xvoice is signed 16-bit little-endian PCM. Other sample
// formats are rejected at configuration time because every amplitude threshold
// in the system is expressed on the int16 scale (0–32 768).
package audio

import (
	"errors"
	"fmt"
	"time"
)

// BitsPerSample is fixed at 16 for the signed PCM handled throughout xvoice.
const BitsPerSample = 16

// DefaultSampleRate is the capture and transcription sample rate in Hz.
const DefaultSampleRate = 16000

// ErrDevice is wrapped by [Source] implementations for any failure of the
// physical input device. The capture loop treats it as fatal.
var ErrDevice = errors.New("audio: device error")

// ErrUnsupportedFormat is returned when audio data is not 16-bit PCM.
var ErrUnsupportedFormat = errors.New("audio: unsupported sample format")

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the format the transcription worker expects.
var Mono16k = Format{SampleRate: DefaultSampleRate, Channels: 1}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Frame is a fixed-length block of mono int16 samples captured from a
// [Source]. Frames are treated as immutable once captured: consumers must not
// modify Samples.
type Frame struct {
	// Samples holds the PCM samples in capture order.
	Samples []int16

	// SampleRate in Hz.
	SampleRate int
}

// Len returns the number of samples in the frame.
func (f Frame) Len() int { return len(f.Samples) }

// Duration returns the playback duration of the frame. Returns 0 when the
// sample rate is unknown.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Peak returns the peak absolute sample value of the frame. The result is on
// the int16 scale; -32768 maps to 32768.
func (f Frame) Peak() int {
	peak := 0
	for _, s := range f.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// FramesFor returns how many frames of frameSize samples at sampleRate are
// needed to cover d, rounding up. Returns 0 for non-positive inputs.
func FramesFor(d time.Duration, sampleRate, frameSize int) int {
	if d <= 0 || sampleRate <= 0 || frameSize <= 0 {
		return 0
	}
	samples := int64(d) * int64(sampleRate)
	perFrame := int64(frameSize) * int64(time.Second)
	return int((samples + perFrame - 1) / perFrame)
}

// FramesWithin returns how many whole frames of frameSize samples at
// sampleRate fit inside d, rounding down. Returns 0 for non-positive inputs.
func FramesWithin(d time.Duration, sampleRate, frameSize int) int {
	if d <= 0 || sampleRate <= 0 || frameSize <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / (int64(frameSize) * int64(time.Second)))
}

// SamplesDuration returns the playback duration of n samples at sampleRate.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	secs, rem := n/sampleRate, n%sampleRate
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(sampleRate)
}

// Concat joins the samples of frames in order.
func Concat(frames []Frame) []int16 {
	n := 0
	for _, f := range frames {
		n += len(f.Samples)
	}
	out := make([]int16, 0, n)
	for _, f := range frames {
		out = append(out, f.Samples...)
	}
	return out
}
