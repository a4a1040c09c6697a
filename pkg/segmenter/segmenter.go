package segmenter

import (
	"strings"
	"unicode"
)

// DefaultTerminators are the runes that close a unit: Chinese and Latin sentence
// punctuation plus newline.
const DefaultTerminators = "。！？；…!?;.\n"

// closers may trail a terminator and stay in the same unit, e.g. `他说："好。"`.
const closers = "\"'”’」』）)]】"

// maxAbbreviationLen is the longest token (without its trailing '.') treated as
// an abbreviation.
const maxAbbreviationLen = 3

// Segmenter splits accumulating text into sentence-sized units.
type Segmenter struct {
	terminators map[rune]struct{}
}

// New returns a segmenter using the given terminator runes; an empty set selects
// DefaultTerminators.
func New(terminators string) *Segmenter {
	if terminators == "" {
		terminators = DefaultTerminators
	}
	set := make(map[rune]struct{}, len(terminators))
	for _, r := range terminators {
		set[r] = struct{}{}
	}
	return &Segmenter{terminators: set}
}

var defaultSegmenter = New(DefaultTerminators)

// Default returns the shared segmenter with the default terminator set.
func Default() *Segmenter {
	return defaultSegmenter
}

// Feed appends newText to buffer and, when that produces a complete unit,
// returns it with the remaining residual. Only the first complete unit is
// returned; call Feed(residual, "") again to drain further units.
func (s *Segmenter) Feed(buffer, newText string) (residual string, unit string, ok bool) {
	text := strings.ToValidUTF8(buffer+newText, "")
	for {
		end := s.boundary(text)
		if end < 0 {
			return text, "", false
		}
		unit = strings.TrimSpace(text[:end])
		text = strings.TrimLeftFunc(text[end:], unicode.IsSpace)
		if unit != "" && !s.onlyTerminators(unit) {
			return text, unit, true
		}
	}
}

// Finalize returns the leftover text as a final unit when it holds anything
// besides whitespace.
func (s *Segmenter) Finalize(buffer string) (string, bool) {
	unit := strings.TrimSpace(buffer)
	if unit == "" || s.onlyTerminators(unit) {
		return "", false
	}
	return unit, true
}

// Feed runs the default segmenter.
func Feed(buffer, newText string) (string, string, bool) {
	return defaultSegmenter.Feed(buffer, newText)
}

// Finalize runs the default segmenter.
func Finalize(buffer string) (string, bool) {
	return defaultSegmenter.Finalize(buffer)
}

// boundary returns the byte offset just past the first unit-ending terminator
// run in text, or -1.
func (s *Segmenter) boundary(text string) int {
	runes := []rune(text)
	offset := 0
	for i, r := range runes {
		offset += len(string(r))
		if !s.isTerminator(r) {
			continue
		}
		if r == '.' && !s.periodEnds(runes, i) {
			continue
		}

		// Absorb consecutive terminators ("?!", "……") and closing quotes.
		j := i + 1
		for j < len(runes) && (s.isTerminator(runes[j]) || strings.ContainsRune(closers, runes[j])) {
			offset += len(string(runes[j]))
			j++
		}
		return offset
	}
	return -1
}

// periodEnds reports whether the '.' at runes[i] closes a sentence.
func (s *Segmenter) periodEnds(runes []rune, i int) bool {
	var prev rune
	if i > 0 {
		prev = runes[i-1]
	}

	// Decimal point: digit before, and either a digit after or nothing yet.
	if unicode.IsDigit(prev) {
		if i == len(runes)-1 || unicode.IsDigit(runes[i+1]) {
			return false
		}
	}

	// Part of an ellipsis or a dotted abbreviation such as "e.g." still being typed.
	if i < len(runes)-1 && !unicode.IsSpace(runes[i+1]) && !s.isTerminator(runes[i+1]) &&
		!strings.ContainsRune(closers, runes[i+1]) {
		return false
	}

	return !isAbbreviation(runes, i)
}

// isAbbreviation reports whether the token ending at the '.' in runes[i] is a
// short Latin word such as "Dr" or "vs".
func isAbbreviation(runes []rune, i int) bool {
	start := i
	for start > 0 && !unicode.IsSpace(runes[start-1]) {
		start--
	}
	token := runes[start:i]
	if len(token) == 0 || len(token) > maxAbbreviationLen {
		return false
	}
	for _, r := range token {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || r == '.') {
			return false
		}
	}
	return true
}

func (s *Segmenter) isTerminator(r rune) bool {
	_, ok := s.terminators[r]
	return ok
}

func (s *Segmenter) onlyTerminators(text string) bool {
	for _, r := range text {
		if !s.isTerminator(r) && !unicode.IsSpace(r) && !strings.ContainsRune(closers, r) {
			return false
		}
	}
	return true
}
