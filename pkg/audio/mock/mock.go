// Package mock provides an in-memory, scripted implementation of the
// [audio.Source] interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the test
// can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{
//	    Frames: mock.Repeat(mock.Tone(1600, 5000), 20),
//	}
//	frame, err := src.Read()
package mock

import (
	"io"
	"sync"

	"github.com/xvoice/xvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source] that replays a fixed
// sequence of frames. Once Frames is exhausted Read returns ReadError if set,
// otherwise [io.EOF].
type Source struct {
	mu sync.Mutex

	// Frames is the scripted capture sequence, replayed in order.
	Frames []audio.Frame

	// OpenError is returned by [Source.Open].
	OpenError error

	// ReadError is returned by [Source.Read] once Frames is exhausted.
	ReadError error

	// CloseError is returned by [Source.Close].
	CloseError error

	// OnRead, when non-nil, is invoked with the zero-based index of every
	// frame before it is returned. Tests use it to cancel contexts at a
	// precise point in the stream.
	OnRead func(i int)

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	next int
}

// Open implements [audio.Source]. Returns OpenError.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	return s.OpenError
}

// Read implements [audio.Source]. Returns the next scripted frame.
func (s *Source) Read() (audio.Frame, error) {
	s.mu.Lock()
	s.CallCountRead++
	if s.next >= len(s.Frames) {
		err := s.ReadError
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return audio.Frame{}, err
	}
	i := s.next
	f := s.Frames[i]
	s.next++
	cb := s.OnRead
	s.mu.Unlock()

	if cb != nil {
		cb(i)
	}
	return f, nil
}

// Close implements [audio.Source]. Returns CloseError.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Remaining reports how many scripted frames have not yet been read.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames) - s.next
}

// Tone returns a 16 kHz frame of size samples whose peak absolute value is
// exactly amplitude. Samples alternate sign so the frame has no DC offset.
func Tone(size, amplitude int) audio.Frame {
	samples := make([]int16, size)
	for i := range samples {
		v := int16(amplitude)
		if i%2 == 1 {
			v = -v
		}
		samples[i] = v
	}
	return audio.Frame{Samples: samples, SampleRate: audio.DefaultSampleRate}
}

// Silence returns a 16 kHz frame of size zero samples.
func Silence(size int) audio.Frame {
	return audio.Frame{Samples: make([]int16, size), SampleRate: audio.DefaultSampleRate}
}

// Repeat returns n copies of f.
func Repeat(f audio.Frame, n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		out[i] = f
	}
	return out
}

// Script concatenates frame sequences.
func Script(parts ...[]audio.Frame) []audio.Frame {
	var out []audio.Frame
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
