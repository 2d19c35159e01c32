package lspframe

import "strings"

// LineDecoder splits a diagnostic byte stream (a language server's stderr)
// into lines, with the same multi-byte safety as Decoder.
//
// A disabled LineDecoder drops every byte without buffering, so an unread
// diagnostic stream never grows memory.
type LineDecoder struct {
	acc     accumulator
	enabled bool
	onLine  func(string)
}

// NewLineDecoder creates a LineDecoder that hands each complete line, without
// its terminator, to onLine. Nothing is collected unless enabled is true.
func NewLineDecoder(enabled bool, onLine func(string)) *LineDecoder {
	if onLine == nil {
		onLine = func(string) {}
	}
	return &LineDecoder{enabled: enabled, onLine: onLine}
}

// Feed consumes one byte of the diagnostic stream.
func (l *LineDecoder) Feed(b byte) {
	if !l.enabled {
		return
	}

	l.acc.append(b)
	if !l.acc.ready() || !l.acc.hasSuffix("\n") {
		return
	}

	line := strings.TrimSuffix(strings.TrimSuffix(l.acc.text(), "\n"), "\r")
	l.acc.reset()
	l.onLine(line)
}

// Write feeds every byte of p in order. It never fails.
func (l *LineDecoder) Write(p []byte) (int, error) {
	for _, b := range p {
		l.Feed(b)
	}
	return len(p), nil
}

// Enabled reports whether lines are being collected.
func (l *LineDecoder) Enabled() bool {
	return l.enabled
}
