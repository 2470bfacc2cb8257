package segment

import (
	"time"

	"github.com/xvoice/xvoice/pkg/audio"
)

// State is the segmenter's position in the utterance cycle.
type State int

const (
	// WaitingForSpeech buffers a short pre-roll tail until a voiced frame
	// arrives.
	WaitingForSpeech State = iota

	// Speaking accumulates frames until trailing silence or the duration cap.
	Speaking
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case WaitingForSpeech:
		return "waiting"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Utterance is a bounded run of frames produced by the [Segmenter]. Offsets
// are measured from the first frame the segmenter ever received.
type Utterance struct {
	// Frames holds the pre-roll tail, the voiced span and the trailing silence.
	Frames []audio.Frame

	// Start is the offset of the first buffered frame.
	Start time.Duration

	// SpeechStart is the offset of the first voiced frame.
	SpeechStart time.Duration

	// SpeechEnd is the offset just after the last voiced frame.
	SpeechEnd time.Duration

	// Duration is the length of all buffered audio. Never exceeds the
	// configured maximum.
	Duration time.Duration

	// VoicedDuration spans the first to the last voiced frame inclusive.
	VoicedDuration time.Duration

	// MaxAmplitude is the largest frame peak in the voiced span.
	MaxAmplitude int

	// AvgAmplitude is the mean frame peak over the voiced span.
	AvgAmplitude float64

	// Truncated reports that the duration cap forced completion.
	Truncated bool
}

// SegmenterConfig holds the timing limits of a [Segmenter].
type SegmenterConfig struct {
	SampleRate int
	FrameSize  int

	// SilenceDuration of consecutive silent frames ends an utterance.
	SilenceDuration time.Duration

	// MaxDuration caps the buffered length of an utterance.
	MaxDuration time.Duration

	// PreRollCap is how much silence may accumulate while waiting before the
	// buffer is trimmed. Default 1s.
	PreRollCap time.Duration

	// PreRollKeep is the tail retained after trimming. Default 300ms.
	PreRollKeep time.Duration
}

// Segmenter is the frame-by-frame utterance state machine. It is not safe for
// concurrent use; the [Listener] drives it from one goroutine.
type Segmenter struct {
	rate          int
	silenceFrames int
	maxFrames     int
	preRollCap    int
	preRollKeep   int

	state     State
	buf       []audio.Frame
	peaks     []int
	onset     int
	lastVoice int
	silentRun int

	// pos counts samples received; bufStart is the sample offset of buf[0].
	pos      int64
	bufStart int64
}

// NewSegmenter converts the configured durations into frame counts. The
// silence window rounds up and the duration cap rounds down so that no
// utterance can exceed MaxDuration.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.PreRollCap <= 0 {
		cfg.PreRollCap = time.Second
	}
	if cfg.PreRollKeep <= 0 {
		cfg.PreRollKeep = 300 * time.Millisecond
	}
	s := &Segmenter{
		rate:          cfg.SampleRate,
		silenceFrames: max(1, audio.FramesFor(cfg.SilenceDuration, cfg.SampleRate, cfg.FrameSize)),
		maxFrames:     max(1, audio.FramesWithin(cfg.MaxDuration, cfg.SampleRate, cfg.FrameSize)),
		preRollCap:    audio.FramesWithin(cfg.PreRollCap, cfg.SampleRate, cfg.FrameSize),
		preRollKeep:   audio.FramesFor(cfg.PreRollKeep, cfg.SampleRate, cfg.FrameSize),
	}
	return s
}

// State returns the current state.
func (s *Segmenter) State() State { return s.state }

// Buffered returns the number of frames currently held.
func (s *Segmenter) Buffered() int { return len(s.buf) }

// Reset discards any buffered audio and returns to [WaitingForSpeech]. Sample
// offsets keep counting so later utterances stay on the same timeline.
func (s *Segmenter) Reset() {
	s.state = WaitingForSpeech
	s.buf = nil
	s.peaks = nil
	s.silentRun = 0
	s.bufStart = s.pos
}

// Skip advances the timeline by n samples that were consumed elsewhere, such
// as during calibration.
func (s *Segmenter) Skip(n int) {
	s.pos += int64(n)
	if s.state == WaitingForSpeech && len(s.buf) == 0 {
		s.bufStart = s.pos
	}
}

// Push feeds one frame. A frame whose peak is at or below threshold is
// silent. When the frame completes an utterance it is returned with ok true
// and the segmenter is back in [WaitingForSpeech].
func (s *Segmenter) Push(f audio.Frame, threshold float64) (u Utterance, ok bool) {
	if s.rate == 0 {
		s.rate = f.SampleRate
	}
	peak := f.Peak()
	silent := float64(peak) <= threshold
	s.pos += int64(len(f.Samples))
	s.buf = append(s.buf, f)
	s.peaks = append(s.peaks, peak)

	switch s.state {
	case WaitingForSpeech:
		if silent {
			s.trimPreRoll()
			return Utterance{}, false
		}
		s.state = Speaking
		s.onset = len(s.buf) - 1
		s.lastVoice = s.onset
		s.silentRun = 0
	case Speaking:
		if silent {
			s.silentRun++
		} else {
			s.silentRun = 0
			s.lastVoice = len(s.buf) - 1
		}
	}

	if s.silentRun >= s.silenceFrames {
		return s.complete(false), true
	}
	if len(s.buf) >= s.maxFrames {
		return s.complete(true), true
	}
	return Utterance{}, false
}

func (s *Segmenter) trimPreRoll() {
	if len(s.buf) <= max(s.preRollCap, 1) {
		return
	}
	drop := len(s.buf) - min(s.preRollKeep, len(s.buf))
	if drop == 0 {
		return
	}
	for _, f := range s.buf[:drop] {
		s.bufStart += int64(len(f.Samples))
	}
	s.buf = append([]audio.Frame(nil), s.buf[drop:]...)
	s.peaks = append([]int(nil), s.peaks[drop:]...)
}

func (s *Segmenter) complete(truncated bool) Utterance {
	var (
		pre, voiced, total int
		peakSum, peakMax   int
	)
	for i, f := range s.buf {
		n := len(f.Samples)
		total += n
		switch {
		case i < s.onset:
			pre += n
		case i <= s.lastVoice:
			voiced += n
			peakSum += s.peaks[i]
			peakMax = max(peakMax, s.peaks[i])
		}
	}
	voicedFrames := s.lastVoice - s.onset + 1
	start := audio.SamplesDuration(int(s.bufStart), s.rate)
	speechStart := audio.SamplesDuration(int(s.bufStart)+pre, s.rate)
	u := Utterance{
		Frames:         s.buf,
		Start:          start,
		SpeechStart:    speechStart,
		SpeechEnd:      audio.SamplesDuration(int(s.bufStart)+pre+voiced, s.rate),
		Duration:       audio.SamplesDuration(total, s.rate),
		VoicedDuration: audio.SamplesDuration(voiced, s.rate),
		MaxAmplitude:   peakMax,
		AvgAmplitude:   float64(peakSum) / float64(voicedFrames),
		Truncated:      truncated,
	}
	s.buf = nil
	s.Reset()
	return u
}
