// Package segmenter decides when streamed reply text holds a finished sentence.
//
// Invariants:
// - Feed never loses text: unit + residual always equals buffer + newText (modulo trimmed whitespace).
// - A '.' between or after digits (3.14, "3.") never ends a unit.
// - A '.' ending a short Latin token (Dr., Mr., vs.) never ends a unit.
// - Finalize emits whatever non-blank text remains once the reply stream ends.
//
// Usage:
//
//	seg := segmenter.Default()
//	buf := ""
//	for fragment := range fragments {
//		var unit string
//		var ok bool
//		buf, unit, ok = seg.Feed(buf, fragment)
//		for ok {
//			dispatch(unit)
//			buf, unit, ok = seg.Feed(buf, "")
//		}
//	}
//	if unit, ok := seg.Finalize(buf); ok {
//		dispatch(unit)
//	}
package segmenter
