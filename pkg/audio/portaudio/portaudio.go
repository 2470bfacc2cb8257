// Package portaudio implements [audio.Source] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// Building this package requires the PortAudio development headers. Only one
// [Source] may be open at a time per process because PortAudio initialisation
// is global.
package portaudio

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/xvoice/xvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// stream is the subset of *pa.Stream used after Open.
type stream interface {
	Read() error
	Abort() error
	Close() error
}

// Source captures mono 16-bit PCM from a microphone.
type Source struct {
	device     string
	sampleRate int
	frameSize  int
	terminate  func() error

	// mu guards stream. readMu is held across the blocking read and guards
	// buf, so Close can abort the stream without waiting for the read.
	mu     sync.Mutex
	readMu sync.Mutex
	stream stream
	buf    []int16
	closed atomic.Bool
}

// Option is a functional option for [New].
type Option func(*Source)

// WithDevice selects the first input device whose name contains name
// (case-insensitive). An empty name selects the system default input.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// New returns an unopened Source that reads frames of frameSize samples at
// sampleRate Hz.
func New(sampleRate, frameSize int, opts ...Option) *Source {
	s := &Source{sampleRate: sampleRate, frameSize: frameSize, terminate: pa.Terminate}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open initialises PortAudio and starts the input stream.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("%w: portaudio init: %v", audio.ErrDevice, err)
	}

	dev, err := s.inputDevice()
	if err != nil {
		_ = pa.Terminate()
		return err
	}
	params := pa.HighLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(s.sampleRate)
	params.FramesPerBuffer = s.frameSize

	s.buf = make([]int16, s.frameSize)
	stream, err := pa.OpenStream(params, s.buf)
	if err != nil {
		_ = pa.Terminate()
		return fmt.Errorf("%w: open stream on %q: %v", audio.ErrDevice, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return fmt.Errorf("%w: start stream on %q: %v", audio.ErrDevice, dev.Name, err)
	}
	s.stream = stream
	s.closed.Store(false)
	return nil
}

func (s *Source) inputDevice() (*pa.DeviceInfo, error) {
	if s.device == "" {
		dev, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", audio.ErrDevice, err)
		}
		return dev, nil
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", audio.ErrDevice, err)
	}
	want := strings.ToLower(s.device)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matching %q", audio.ErrDevice, s.device)
}

// Read blocks until the next frame is captured. Input overflows are tolerated
// and the partially stale buffer is returned as-is. A Read pending when Close
// is called returns io.EOF.
func (s *Source) Read() (audio.Frame, error) {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st == nil {
		if s.closed.Load() {
			return audio.Frame{}, io.EOF
		}
		return audio.Frame{}, fmt.Errorf("%w: stream not open", audio.ErrDevice)
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()
	err := st.Read()
	if s.closed.Load() {
		return audio.Frame{}, io.EOF
	}
	if err != nil && !errors.Is(err, pa.InputOverflowed) {
		return audio.Frame{}, fmt.Errorf("%w: read: %v", audio.ErrDevice, err)
	}
	samples := make([]int16, len(s.buf))
	copy(samples, s.buf)
	return audio.Frame{Samples: samples, SampleRate: s.sampleRate}, nil
}

// Close aborts the stream, which unblocks a pending Read, and releases
// PortAudio. Safe to call more than once and from another goroutine.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasClosed := s.closed.Swap(true)
	if wasClosed || s.stream == nil {
		return nil
	}
	var errs []error
	if err := s.stream.Abort(); err != nil {
		errs = append(errs, err)
	}
	s.readMu.Lock()
	if err := s.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	s.readMu.Unlock()
	s.stream = nil
	if err := s.terminate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("portaudio: close: %w", err)
	}
	return nil
}

// InputDevices lists the names of all devices that accept input.
func InputDevices() ([]string, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %v", audio.ErrDevice, err)
	}
	defer pa.Terminate()
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", audio.ErrDevice, err)
	}
	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}
