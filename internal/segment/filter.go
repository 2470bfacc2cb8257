package segment

import (
	"fmt"
	"time"
)

// Filter rejects utterances that are too short or too quiet to be genuine
// speech.
type Filter struct {
	// MinDuration is the shortest voiced span accepted. Default 300ms.
	MinDuration time.Duration

	// MinAmplitudeRatio is the fraction of the threshold the average voiced
	// peak must reach. Default 0.7.
	MinAmplitudeRatio float64
}

// DefaultFilter returns the filter with the standard limits.
func DefaultFilter() Filter {
	return Filter{MinDuration: 300 * time.Millisecond, MinAmplitudeRatio: 0.7}
}

// Accept reports whether u should be forwarded given the threshold that was
// in effect while it was captured.
func (f Filter) Accept(u Utterance, threshold float64) bool {
	return f.Reason(u, threshold) == ""
}

// Reason explains why u would be rejected, or returns "" when it is accepted.
func (f Filter) Reason(u Utterance, threshold float64) string {
	if u.VoicedDuration < f.MinDuration {
		return fmt.Sprintf("voiced %v shorter than %v", u.VoicedDuration, f.MinDuration)
	}
	if floor := f.MinAmplitudeRatio * threshold; u.AvgAmplitude < floor {
		return fmt.Sprintf("average amplitude %.0f below %.0f", u.AvgAmplitude, floor)
	}
	return ""
}
