// Package segment turns a continuous stream of microphone frames into
// discrete utterances.
//
// The pipeline is strictly sequential: a [Calibrator] samples ambient noise to
// produce an adaptive amplitude threshold, a [Segmenter] classifies each frame
// against that threshold and cuts utterances at trailing silence or a hard
// duration cap, and a [Filter] discards short or quiet false triggers. The
// [Listener] drives all three from a single goroutine and persists accepted
// utterances as WAV files.
//
// Amplitudes are per-frame peak absolute sample values on the int16 scale.
package segment

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/xvoice/xvoice/pkg/audio"
)

// ErrCalibration is wrapped by [Calibrator.Calibrate] when ambient sampling
// stopped early. The returned [Profile] is still usable.
var ErrCalibration = errors.New("segment: calibration failed")

// Profile summarises one ambient-noise sampling window.
type Profile struct {
	Min  float64
	Mean float64
	Max  float64
	P90  float64
	P95  float64

	// Threshold is the adaptive amplitude threshold. Always > 0.
	Threshold float64

	// Samples is the number of frames that contributed.
	Samples int

	// Noisy reports that the high-variance branch (p95 x 1.5) was taken.
	Noisy bool

	// Degraded reports that no samples were collected and Threshold is the
	// configured default.
	Degraded bool

	ComputedAt time.Time
}

// CalibratorConfig holds the threshold derivation parameters.
type CalibratorConfig struct {
	// Factor multiplies p90 in quiet environments. Typical: 1.2.
	Factor float64

	// Floor is the minimum threshold in quiet environments.
	Floor float64

	// Default is used when no samples could be collected.
	Default float64

	// Adjustment is an optional final multiplier. Zero means 1.
	Adjustment float64
}

// Calibrator derives a [Profile] from ambient noise.
type Calibrator struct {
	cfg CalibratorConfig
	now func() time.Time
}

// NewCalibrator returns a Calibrator. A nil now uses [time.Now].
func NewCalibrator(cfg CalibratorConfig, now func() time.Time) *Calibrator {
	if now == nil {
		now = time.Now
	}
	return &Calibrator{cfg: cfg, now: now}
}

// Calibrate reads up to frames frames from src and derives a profile from
// their peaks. It blocks for the whole window. If src fails or ends early the
// profile is computed from what was collected (degraded when nothing was)
// and the error wraps [ErrCalibration] together with the read error.
func (c *Calibrator) Calibrate(src audio.Source, frames int) (Profile, error) {
	peaks := make([]float64, 0, frames)
	var readErr error
	for range frames {
		f, err := src.Read()
		if err != nil {
			readErr = err
			break
		}
		peaks = append(peaks, float64(f.Peak()))
	}
	p := c.Compute(peaks)
	if readErr != nil {
		return p, fmt.Errorf("%w after %d of %d frames: %w", ErrCalibration, len(peaks), frames, readErr)
	}
	return p, nil
}

// Compute derives a profile from per-frame peak amplitudes.
func (c *Calibrator) Compute(peaks []float64) Profile {
	p := Profile{Samples: len(peaks), ComputedAt: c.now()}
	if len(peaks) == 0 {
		p.Threshold = c.cfg.Default
		p.Degraded = true
		return p
	}

	sorted := slices.Clone(peaks)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	p.Min = sorted[0]
	p.Max = sorted[len(sorted)-1]
	p.Mean = sum / float64(len(sorted))
	p.P90 = percentile(sorted, 90)
	p.P95 = percentile(sorted, 95)

	var thr float64
	if p.Max-p.Min > 2*p.Mean {
		p.Noisy = true
		thr = p.P95 * 1.5
	} else {
		thr = math.Max(p.P90*c.cfg.Factor, c.cfg.Floor)
	}
	if c.cfg.Adjustment > 0 {
		thr *= c.cfg.Adjustment
	}
	if thr <= 0 {
		thr = c.cfg.Floor
		if thr <= 0 {
			thr = c.cfg.Default
		}
	}
	p.Threshold = thr
	return p
}

// percentile returns the q-th percentile of sorted using linear
// interpolation between closest ranks.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Escalate returns the threshold after n consecutive false triggers:
// base x (1 + 0.2n), capped at 2 x base.
func Escalate(base float64, n int) float64 {
	return math.Min(base*(1+0.2*float64(n)), base*2)
}
