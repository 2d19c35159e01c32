package lspframe

import "unicode/utf8"

// accumulator collects the raw bytes of the current decoding phase.
// It is owned by exactly one decoder and never shared.
type accumulator struct {
	buf []byte
}

func (a *accumulator) append(b byte) {
	a.buf = append(a.buf, b)
}

func (a *accumulator) len() int {
	return len(a.buf)
}

// ready reports whether the collected bytes can be decoded as text, that is,
// the buffer does not end in the middle of a multi-byte UTF-8 sequence.
// Invalid bytes are not "in the middle" of anything and count as ready.
func (a *accumulator) ready() bool {
	n := len(a.buf)
	if n == 0 {
		return true
	}

	// Find the start of the last rune, looking back at most UTFMax bytes.
	start := n - 1
	for start > 0 && start > n-utf8.UTFMax && !utf8.RuneStart(a.buf[start]) {
		start--
	}
	return utf8.FullRune(a.buf[start:])
}

// hasSuffix reports whether the collected bytes end with suffix.
func (a *accumulator) hasSuffix(suffix string) bool {
	if len(a.buf) < len(suffix) {
		return false
	}
	return string(a.buf[len(a.buf)-len(suffix):]) == suffix
}

func (a *accumulator) text() string {
	return string(a.buf)
}

// reset drops the collected bytes and starts over with a fresh buffer.
func (a *accumulator) reset() {
	a.buf = nil
}
