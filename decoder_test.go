package lspframe

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

// recorder collects decoded messages.
type recorder struct {
	messages []string
}

func (r *recorder) onMessage(message string) {
	r.messages = append(r.messages, message)
}

func feedAll(t *testing.T, d *Decoder, data []byte) {
	t.Helper()

	for i, b := range data {
		if err := d.Feed(b); err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
	}
}

var roundTripPayloads = []string{
	"",
	"{}",
	`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
	"héllo",
	"日本語のテキスト",
	`{"text":"emoji 🎉 and ünïcödé"}`,
	"line one\r\nline two\r\n\r\n",
}

func TestDecoder_RoundTrip(t *testing.T) {
	for _, payload := range roundTripPayloads {
		rec := &recorder{}
		d := NewDecoder(rec.onMessage)

		feedAll(t, d, Encode(payload))

		if len(rec.messages) != 1 {
			t.Fatalf("payload %q: got %d messages, want 1", payload, len(rec.messages))
		}
		if rec.messages[0] != payload {
			t.Errorf("got %q, want %q", rec.messages[0], payload)
		}
		if d.Buffered() != 0 {
			t.Errorf("payload %q: %d bytes left buffered", payload, d.Buffered())
		}
	}
}

func TestDecoder_ExampleScenario(t *testing.T) {
	encoded := Encode("{}")
	if string(encoded) != "Content-Length: 2\r\n\r\n{}" {
		t.Fatalf("Encode = %q", encoded)
	}

	for split := 0; split <= len(encoded); split++ {
		rec := &recorder{}
		d := NewDecoder(rec.onMessage)

		if _, err := d.Write(encoded[:split]); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if _, err := d.Write(encoded[split:]); err != nil {
			t.Fatalf("Write: %v", err)
		}

		if !reflect.DeepEqual(rec.messages, []string{"{}"}) {
			t.Errorf("split %d: messages = %q", split, rec.messages)
		}
	}
}

func TestDecoder_ChunkingIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for _, payload := range roundTripPayloads {
		encoded := Encode(payload)

		for round := 0; round < 50; round++ {
			rec := &recorder{}
			d := NewDecoder(rec.onMessage)

			for rest := encoded; len(rest) > 0; {
				n := 1 + rng.Intn(len(rest))
				if _, err := d.Write(rest[:n]); err != nil {
					t.Fatalf("Write: %v", err)
				}
				rest = rest[n:]
			}

			if !reflect.DeepEqual(rec.messages, []string{payload}) {
				t.Fatalf("payload %q round %d: messages = %q", payload, round, rec.messages)
			}
		}
	}
}

func TestDecoder_MultiByteBoundary(t *testing.T) {
	payload := "price: 5€"
	encoded := Encode(payload)

	// The euro sign is the last three bytes of the frame.
	rec := &recorder{}
	d := NewDecoder(rec.onMessage)

	feedAll(t, d, encoded[:len(encoded)-2])
	if len(rec.messages) != 0 {
		t.Fatalf("message emitted inside a multi-byte character: %q", rec.messages)
	}

	feedAll(t, d, encoded[len(encoded)-2:len(encoded)-1])
	if len(rec.messages) != 0 {
		t.Fatalf("message emitted inside a multi-byte character: %q", rec.messages)
	}

	feedAll(t, d, encoded[len(encoded)-1:])
	if !reflect.DeepEqual(rec.messages, []string{payload}) {
		t.Errorf("messages = %q, want %q", rec.messages, payload)
	}
}

func TestDecoder_ConcatenatedMessages(t *testing.T) {
	first := `{"id":1,"result":null}`
	second := `{"method":"textDocument/publishDiagnostics","params":{"message":"déjà vu"}}`

	rec := &recorder{}
	d := NewDecoder(rec.onMessage)

	stream := append(Encode(first), Encode(second)...)
	feedAll(t, d, stream)

	if !reflect.DeepEqual(rec.messages, []string{first, second}) {
		t.Errorf("messages = %q", rec.messages)
	}
}

func TestDecoder_EmptyBodyBetweenMessages(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.onMessage)

	var stream []byte
	stream = AppendEncode(stream, "a")
	stream = AppendEncode(stream, "")
	stream = AppendEncode(stream, "b")
	feedAll(t, d, stream)

	if !reflect.DeepEqual(rec.messages, []string{"a", "", "b"}) {
		t.Errorf("messages = %q", rec.messages)
	}
}

func TestDecoder_AdditionalHeaders(t *testing.T) {
	stream := "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\n" +
		"content-length:  2 \r\n" +
		"\r\n" +
		"{}"

	rec := &recorder{}
	d := NewDecoder(rec.onMessage)
	feedAll(t, d, []byte(stream))

	if !reflect.DeepEqual(rec.messages, []string{"{}"}) {
		t.Errorf("messages = %q", rec.messages)
	}
}

func TestDecoder_BufferNeverExceedsDeclaredLength(t *testing.T) {
	payload := "naïve ☃ body"
	encoded := Encode(payload)
	headerLen := len(encoded) - len(payload)

	d := NewDecoder(nil)
	for i, b := range encoded {
		if err := d.Feed(b); err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if i >= headerLen && d.Buffered() > len(payload) {
			t.Fatalf("buffered %d bytes, declared %d", d.Buffered(), len(payload))
		}
	}
	if d.Buffered() != 0 {
		t.Errorf("buffered = %d after completion, want 0", d.Buffered())
	}
}

func TestDecoder_BodyEndingInsideCharacter(t *testing.T) {
	// A peer declaring a length that cuts a character still gets its bytes.
	rec := &recorder{}
	d := NewDecoder(rec.onMessage)

	feedAll(t, d, []byte("Content-Length: 1\r\n\r\n\xc3"))
	feedAll(t, d, Encode("next"))

	if !reflect.DeepEqual(rec.messages, []string{"\xc3", "next"}) {
		t.Errorf("messages = %q", rec.messages)
	}
}

func TestDecoder_StallOnMalformedHeader(t *testing.T) {
	headers := []string{
		"Content-Length: abc\r\n\r\n",
		"Content-Length: -4\r\n\r\n",
		"Content-Type: application/json\r\n\r\n",
		"\r\n\r\n",
	}

	for _, header := range headers {
		rec := &recorder{}
		d := NewDecoder(rec.onMessage, DecoderLoggerOption(&mockLogger{}))

		feedAll(t, d, []byte(header))
		feedAll(t, d, []byte("{}"))
		feedAll(t, d, Encode("{}"))

		if len(rec.messages) != 0 {
			t.Errorf("header %q: messages = %q, want none", header, rec.messages)
		}
		if !d.Stalled() {
			t.Errorf("header %q: decoder not stalled", header)
		}
	}
}

func TestDecoder_StallLogsWarning(t *testing.T) {
	logger := &mockLogger{}
	d := NewDecoder(nil, DecoderLoggerOption(logger))

	feedAll(t, d, []byte("Content-Length: x\r\n\r\n"))

	if !logger.warnCalled {
		t.Error("expected a warning for the stalled decoder")
	}
}

func TestDecoder_StrictHeaders(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.onMessage, StrictHeaders())

	var err error
	for _, b := range []byte("Content-Length: twelve\r\n\r\n") {
		if err = d.Feed(b); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}

	// The error is sticky.
	if err := d.Feed('C'); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("expected sticky ErrMalformedHeader, got %v", err)
	}

	d.Reset()
	feedAll(t, d, Encode("{}"))
	if !reflect.DeepEqual(rec.messages, []string{"{}"}) {
		t.Errorf("messages after Reset = %q", rec.messages)
	}
}

func TestDecoder_MaxMessageSize_Declared(t *testing.T) {
	d := NewDecoder(nil, MaxMessageSize(30))

	_, err := d.Write([]byte("Content-Length: 31\r\n\r\n"))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestDecoder_MaxMessageSize_WithinLimit(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.onMessage, MaxMessageSize(32))

	payload := "sixteen bytes!!!"
	feedAll(t, d, Encode(payload))

	if !reflect.DeepEqual(rec.messages, []string{payload}) {
		t.Errorf("messages = %q", rec.messages)
	}
}

func TestDecoder_MaxMessageSize_UnterminatedHeader(t *testing.T) {
	d := NewDecoder(nil, MaxMessageSize(32))

	header := make([]byte, 64)
	for i := range header {
		header[i] = 'x'
	}

	n, err := d.Write(header)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if n != 32 {
		t.Errorf("consumed %d bytes, want 32", n)
	}
}

func TestDecoder_MaxMessageSize_StalledBody(t *testing.T) {
	d := NewDecoder(nil, MaxMessageSize(24), DecoderLoggerOption(&mockLogger{}))

	feedAll(t, d, []byte("Content-Length: ?\r\n\r\n"))
	_, err := d.Write([]byte("0123456789012345678901234567890"))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestParseContentLength(t *testing.T) {
	tests := []struct {
		header  string
		want    int
		wantErr bool
	}{
		{"Content-Length: 2\r\n\r\n", 2, false},
		{"Content-Length:0\r\n\r\n", 0, false},
		{"CONTENT-LENGTH: 1024\r\n\r\n", 1024, false},
		{"X-Other: a:b\r\nContent-Length: 7\r\n\r\n", 7, false},
		{"Content-Length: 1e3\r\n\r\n", 0, true},
		{"Content-Length: -1\r\n\r\n", 0, true},
		{"Content-Type: text/plain\r\n\r\n", 0, true},
	}

	for _, tt := range tests {
		got, err := parseContentLength(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseContentLength(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("parseContentLength(%q) error = %v, want ErrMalformedHeader", tt.header, err)
		}
		if got != tt.want {
			t.Errorf("parseContentLength(%q) = %d, want %d", tt.header, got, tt.want)
		}
	}
}
