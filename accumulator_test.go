package lspframe

import "testing"

func TestAccumulator_Ready(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"empty", "", true},
		{"ascii", "Content-Length", true},
		{"complete two-byte", "h\xc3\xa9", true},
		{"partial two-byte", "h\xc3", false},
		{"partial three-byte", "5\xe2\x82", false},
		{"complete three-byte", "5\xe2\x82\xac", true},
		{"partial four-byte", "\xf0\x9f\x8e", false},
		{"complete four-byte", "\xf0\x9f\x8e\x89", true},
		{"stray continuation bytes", "\x80\x80\x80\x80\x80", true},
		{"invalid lead byte", "a\xff", true},
	}

	for _, tt := range tests {
		var acc accumulator
		for i := 0; i < len(tt.input); i++ {
			acc.append(tt.input[i])
		}
		if got := acc.ready(); got != tt.want {
			t.Errorf("%s: ready() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAccumulator_HasSuffix(t *testing.T) {
	var acc accumulator
	for _, b := range []byte("Content-Length: 2\r\n\r") {
		acc.append(b)
	}
	if acc.hasSuffix(headerTerminator) {
		t.Error("hasSuffix reported a terminator one byte early")
	}

	acc.append('\n')
	if !acc.hasSuffix(headerTerminator) {
		t.Error("hasSuffix missed the terminator")
	}

	acc.reset()
	if acc.len() != 0 || acc.hasSuffix("\n") {
		t.Error("reset did not empty the accumulator")
	}
}

func TestAccumulator_TextIsCopied(t *testing.T) {
	var acc accumulator
	acc.append('a')
	text := acc.text()

	acc.reset()
	acc.append('b')

	if text != "a" {
		t.Errorf("text changed after reset: %q", text)
	}
}
