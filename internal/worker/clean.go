package worker

import (
	"regexp"
	"strings"
)

var (
	// timestampRe matches whisper segment annotations such as
	// "[00:00:00.000 --> 00:00:02.500]".
	timestampRe = regexp.MustCompile(`\[\d+:\d+:\d+\.\d+ --> \d+:\d+:\d+\.\d+\]\s*`)

	// blankRe matches the markers whisper emits for non-speech audio.
	blankRe = regexp.MustCompile(`\[BLANK_AUDIO\]|\(blank audio\)|\[silence\]`)

	spaceRe = regexp.MustCompile(`\s+`)
)

// CleanText strips timestamp ranges and blank-audio markers from a whisper
// transcript and collapses runs of whitespace. An empty result means the
// audio held no speech.
func CleanText(s string) string {
	s = timestampRe.ReplaceAllString(s, "")
	s = blankRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
