package generation

import (
	"strings"
	"unicode/utf8"
)

// output accumulates generated text and releases only the part that can no
// longer turn into a stop sequence or an incomplete UTF-8 rune. With no
// stop sequences and ASCII pieces every piece is released as it arrives.
type output struct {
	stops   []string
	text    string
	emitted int
}

func newOutput(stops []string) *output {
	clean := make([]string, 0, len(stops))
	for _, s := range stops {
		if s != "" {
			clean = append(clean, s)
		}
	}
	return &output{stops: clean}
}

// add appends piece and returns the newly releasable text. stopped reports
// that a stop sequence matched; the text is cut before it.
func (o *output) add(piece string) (ready string, stopped bool) {
	o.text += piece

	if cut := firstStop(o.text[o.emitted:], o.stops); cut >= 0 {
		end := o.emitted + cut
		ready = o.text[o.emitted:end]
		o.text = o.text[:end]
		o.emitted = end
		return ready, true
	}

	safe := len(o.text) - holdback(o.text[o.emitted:], o.stops)
	safe = runeBoundary(o.text, o.emitted, safe)
	ready = o.text[o.emitted:safe]
	o.emitted = safe
	return ready, false
}

// flush releases everything still held back.
func (o *output) flush() string {
	ready := o.text[o.emitted:]
	o.emitted = len(o.text)
	return ready
}

// released is the text handed out so far.
func (o *output) released() string { return o.text[:o.emitted] }

// firstStop returns the index of the earliest stop sequence in text, or -1.
func firstStop(text string, stops []string) int {
	earliest := -1
	for _, s := range stops {
		if idx := strings.Index(text, s); idx >= 0 && (earliest < 0 || idx < earliest) {
			earliest = idx
		}
	}
	return earliest
}

// holdback is the length of the longest suffix of text that is a proper
// prefix of some stop sequence.
func holdback(text string, stops []string) int {
	longest := 0
	for _, s := range stops {
		for k := min(len(s)-1, len(text)); k > longest; k-- {
			if strings.HasSuffix(text, s[:k]) {
				longest = k
				break
			}
		}
	}
	return longest
}

// runeBoundary moves end back so text[from:end] does not finish inside a
// multi-byte rune.
func runeBoundary(text string, from, end int) int {
	for i := end - 1; i >= from && i >= end-utf8.UTFMax; i-- {
		if utf8.RuneStart(text[i]) {
			if !utf8.FullRuneInString(text[i:end]) {
				return i
			}
			return end
		}
	}
	return end
}
