// Package lspframe implements the Language Server Protocol base transport:
// Content-Length framed messages exchanged with a language server over its
// standard streams.
//
// The core is a pair of in-memory state machines. Decoder turns a byte
// stream, delivered in arbitrary pieces, into complete text messages, and
// Encode produces the framed bytes for an outgoing message. Conn and Process
// wire the core to a subprocess' pipes.
package lspframe

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Framing errors reported by Decoder when the corresponding hardening option is enabled.
var (
	// ErrMalformedHeader is returned when a header block has no usable Content-Length.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
)

const (
	// headerTerminator ends the header block.
	headerTerminator = "\r\n\r\n"
	// headerLineSeparator separates individual header lines.
	headerLineSeparator = "\r\n"
	// contentLengthHeader is the only header field the decoder consumes.
	contentLengthHeader = "Content-Length"
)

type decoderState int

const (
	stateAwaitingHeader decoderState = iota
	stateAwaitingBody
)

// stalledLength is the declared length of a body whose header could not be
// parsed. No accumulator ever reaches it, so the decoder stays in the body
// phase for good.
const stalledLength = -1

// Decoder decodes a Content-Length framed byte stream into text messages.
//
// Bytes must be fed strictly in stream order from a single goroutine. The
// message callback runs synchronously inside the Feed call that completes a
// message, and the decoder keeps no reference to the text afterwards.
//
// By default a header without a usable Content-Length makes the decoder stall:
// it accepts further bytes but never emits another message. StrictHeaders and
// MaxMessageSize turn malformed headers and oversized messages into errors
// instead. Once Feed has returned an error, every later call returns the same
// error until Reset is called.
type Decoder struct {
	acc    accumulator
	state  decoderState
	length int

	onMessage func(string)
	opts      decoderOptions
	err       error
}

// NewDecoder creates a Decoder that hands every complete message to onMessage.
// A nil onMessage discards messages.
func NewDecoder(onMessage func(string), opt ...DecoderOption) *Decoder {
	var opts decoderOptions
	for _, o := range opt {
		o(&opts)
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if onMessage == nil {
		onMessage = func(string) {}
	}

	return &Decoder{
		state:     stateAwaitingHeader,
		onMessage: onMessage,
		opts:      opts,
	}
}

// Feed consumes one byte of the stream.
func (d *Decoder) Feed(b byte) error {
	if d.err != nil {
		return d.err
	}

	d.acc.append(b)

	if d.state == stateAwaitingBody {
		return d.feedBody()
	}
	return d.feedHeader()
}

// Write feeds every byte of p in order, so a Decoder can be the destination of io.Copy.
// It stops at the first framing error and reports how many bytes were fed before it.
func (d *Decoder) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := d.Feed(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Reset drops any partially received message and any sticky error, and
// waits for the next header.
func (d *Decoder) Reset() {
	d.acc.reset()
	d.state = stateAwaitingHeader
	d.length = 0
	d.err = nil
}

// Stalled reports whether the decoder is stuck on a body whose length could not be parsed.
func (d *Decoder) Stalled() bool {
	return d.state == stateAwaitingBody && d.length == stalledLength
}

// Buffered returns the number of bytes collected for the current phase.
func (d *Decoder) Buffered() int {
	return d.acc.len()
}

func (d *Decoder) feedHeader() error {
	if err := d.checkSize(); err != nil {
		return err
	}

	if !d.acc.ready() || !d.acc.hasSuffix(headerTerminator) {
		return nil
	}

	header := d.acc.text()
	d.acc.reset()

	length, err := parseContentLength(header)
	if err != nil {
		if d.opts.strictHeaders {
			return d.fail(err)
		}
		d.opts.logger.Warn("unusable content-length, decoder stalled", "header", header, "error", err)
		length = stalledLength
	}

	if d.opts.maxMessageSize > 0 && length > d.opts.maxMessageSize {
		return d.fail(errors.Wrapf(ErrMessageTooLarge, "declared %d bytes, limit %d", length, d.opts.maxMessageSize))
	}

	d.state = stateAwaitingBody
	d.length = length

	// An empty body has no byte to trigger completion with.
	if length == 0 {
		d.emit()
	}
	return nil
}

func (d *Decoder) feedBody() error {
	// The body is complete by byte count alone; a peer that declares a length
	// cutting through a character still gets its bytes delivered.
	if d.acc.len() == d.length {
		d.emit()
		return nil
	}
	return d.checkSize()
}

func (d *Decoder) emit() {
	message := d.acc.text()
	d.acc.reset()
	d.state = stateAwaitingHeader
	d.length = 0
	d.onMessage(message)
}

// checkSize bounds the accumulator when MaxMessageSize is set. This also
// catches headers that never terminate and bodies of a stalled decoder.
func (d *Decoder) checkSize() error {
	if d.opts.maxMessageSize > 0 && d.acc.len() > d.opts.maxMessageSize {
		return d.fail(errors.Wrapf(ErrMessageTooLarge, "buffered %d bytes, limit %d", d.acc.len(), d.opts.maxMessageSize))
	}
	return nil
}

func (d *Decoder) fail(err error) error {
	d.err = err
	d.acc.reset()
	return err
}

// parseContentLength extracts the Content-Length value from a header block.
// Header names are matched case-insensitively and unknown fields are ignored.
func parseContentLength(header string) (int, error) {
	for _, line := range strings.Split(strings.TrimSuffix(header, headerTerminator), headerLineSeparator) {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}

		value = strings.TrimSpace(value)
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, errors.Wrapf(ErrMalformedHeader, "content-length %q", value)
		}
		if n < 0 {
			return 0, errors.Wrapf(ErrMalformedHeader, "negative content-length %d", n)
		}
		return n, nil
	}

	return 0, errors.Wrap(ErrMalformedHeader, "missing content-length")
}
