// Package vocab corrects transcripts against a user vocabulary: product
// names, jargon and people that whisper tends to misspell or split.
//
// Matching proceeds in two stages for every window of consecutive words:
//
//  1. Phonetic: the window's letters are concatenated and encoded with Double
//     Metaphone. If a code is shared with a term, the window is accepted when
//     the Jaro-Winkler similarity of the concatenated strings reaches the
//     phonetic threshold (default 0.80). This repairs split words such as
//     "git hub" for "GitHub".
//  2. Fuzzy: when the window has the same number of words as a term, pure
//     Jaro-Winkler similarity must reach the fuzzy threshold (default 0.90).
//
// A window whose letter count is far from the term's (outside 2/3 to 3/2) is
// never considered, so short common words are not rewritten to longer terms
// that merely start the same way.
package vocab

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90
)

// Correction records one replacement.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
	Method     string // "phonetic" or "fuzzy"
}

// Option is a functional option for [New].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matching window. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// match is found. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

type term struct {
	text    string
	lower   string
	letters string
	words   int
	codes   [2]string
}

// Corrector rewrites near-misses of vocabulary terms. It is read-only after
// construction and safe for concurrent use.
type Corrector struct {
	terms    []term
	maxWords int

	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New precomputes the phonetic codes of terms. Blank terms are ignored.
func New(terms []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		letters := lettersOf(t)
		if letters == "" {
			continue
		}
		p, s := matchr.DoubleMetaphone(letters)
		words := len(strings.Fields(t))
		c.terms = append(c.terms, term{
			text:    t,
			lower:   strings.ToLower(t),
			letters: letters,
			words:   words,
			codes:   [2]string{p, s},
		})
		c.maxWords = max(c.maxWords, words)
	}
	return c
}

// Len returns the number of usable terms.
func (c *Corrector) Len() int { return len(c.terms) }

// Correct returns text with vocabulary near-misses replaced, and the
// replacements made. Punctuation around a matched window is preserved.
// Words are re-joined with single spaces.
func (c *Corrector) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(c.terms) == 0 || len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		// One extra word lets a single-word term absorb a split.
		maxN := min(c.maxWords+1, len(tokens)-i)
		n, repl, corr, ok := 0, "", Correction{}, false
		for n = maxN; n >= 1; n-- {
			if repl, corr, ok = c.matchWindow(tokens[i : i+n]); ok {
				break
			}
		}
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		out = append(out, repl)
		if corr.Corrected != corr.Original {
			corrections = append(corrections, corr)
		}
		i += n
	}
	return strings.Join(out, " "), corrections
}

// matchWindow tests one window of tokens against all terms and returns the
// replacement text for the best match.
func (c *Corrector) matchWindow(window []string) (string, Correction, bool) {
	prefix, core, suffix, ok := splitWindow(window)
	if !ok {
		return "", Correction{}, false
	}
	letters := lettersOf(core)
	if letters == "" {
		return "", Correction{}, false
	}
	coreLower := strings.ToLower(core)
	p, s := matchr.DoubleMetaphone(letters)

	var (
		best   *term
		score  float64
		method string
	)
	for i := range c.terms {
		t := &c.terms[i]
		if !comparableLength(len([]rune(letters)), len([]rune(t.letters))) {
			continue
		}
		if sharesCode([2]string{p, s}, t.codes) {
			if jw := matchr.JaroWinkler(letters, t.letters, false); jw >= c.phoneticThreshold && (method != "phonetic" || jw > score) {
				best, score, method = t, jw, "phonetic"
			}
			continue
		}
		if method == "phonetic" || len(window) != t.words {
			continue
		}
		if jw := matchr.JaroWinkler(coreLower, t.lower, false); jw >= c.fuzzyThreshold && jw > score {
			best, score, method = t, jw, "fuzzy"
		}
	}
	if best == nil {
		return "", Correction{}, false
	}
	return prefix + best.text + suffix, Correction{
		Original:   core,
		Corrected:  best.text,
		Confidence: score,
		Method:     method,
	}, true
}

// splitWindow separates leading punctuation of the first token and trailing
// punctuation of the last token from the core. Windows with punctuation
// between their words span a phrase boundary and are rejected.
func splitWindow(window []string) (prefix, core, suffix string, ok bool) {
	first := window[0]
	trimmed := strings.TrimLeftFunc(first, isPunct)
	prefix = first[:len(first)-len(trimmed)]

	words := make([]string, len(window))
	copy(words, window)
	words[0] = trimmed

	last := words[len(words)-1]
	trimmed = strings.TrimRightFunc(last, isPunct)
	suffix = last[len(trimmed):]
	words[len(words)-1] = trimmed

	for i, w := range words {
		if w == "" {
			return "", "", "", false
		}
		if r, _ := utf8.DecodeRuneInString(w); i > 0 && isPunct(r) {
			return "", "", "", false
		}
		if r, _ := utf8.DecodeLastRuneInString(w); i < len(words)-1 && isPunct(r) {
			return "", "", "", false
		}
	}
	core = strings.Join(words, " ")
	return prefix, core, suffix, true
}

func isPunct(r rune) bool { return unicode.IsPunct(r) }

// lettersOf returns the lower-cased letters and digits of s.
func lettersOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func comparableLength(window, term int) bool {
	return 3*window >= 2*term && 2*window <= 3*term
}

func sharesCode(a, b [2]string) bool {
	for _, x := range a {
		if x == "" {
			continue
		}
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
