package lspframe

import "io"

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	// After a framing error the decoder is reset to wait for the next header.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	onMessage func(message string) error
	// onError is called when an error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction
	// onDiagnostic receives each line of the diagnostic stream in debug mode.
	onDiagnostic func(line string)

	diagnostics io.Reader // language server stderr, optional

	bufferSize     int  // size of buffered channel
	maxMessageSize int  // maximum size of a single message, 0 means unlimited
	strictHeaders  bool // fail instead of stalling on a bad Content-Length
	debug          bool // trace messages and decode the diagnostic stream
}

// Option is a function that configures connection options.
type Option func(*options)

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
// A larger buffer allows more messages to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MessageMaxSize returns an Option that limits the size of a single received message.
// A peer exceeding it causes ErrMessageTooLarge. Zero, the default, means no limit.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// StrictHeadersOption returns an Option that makes a header without a usable
// Content-Length fail with ErrMalformedHeader instead of stalling the connection.
func StrictHeadersOption(strict bool) Option {
	return func(o *options) {
		o.strictHeaders = strict
	}
}

// DebugOption returns an Option that traces every message in both directions
// and decodes the diagnostic stream. Without it diagnostic bytes are discarded.
func DebugOption(debug bool) Option {
	return func(o *options) {
		o.debug = debug
	}
}

// DiagnosticsOption returns an Option that sets the diagnostic stream to drain,
// usually the language server's stderr.
func DiagnosticsOption(r io.Reader) Option {
	return func(o *options) {
		o.diagnostics = r
	}
}

// OnDiagnosticOption returns an Option that sets the diagnostic line callback.
// If not set, lines are logged at warn level.
func OnDiagnosticOption(cb func(line string)) Option {
	return func(o *options) {
		o.onDiagnostic = cb
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a read/write or framing error occurs.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked for each received message.
// Returning an error closes the connection.
func OnMessageOption(cb func(message string) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// decoderOptions holds the hardening switches of a Decoder.
type decoderOptions struct {
	logger         Logger
	maxMessageSize int
	strictHeaders  bool
}

// DecoderOption is a function that configures a Decoder.
type DecoderOption func(*decoderOptions)

// MaxMessageSize returns a DecoderOption that limits the bytes buffered for a
// single header block or body. Zero, the default, means no limit.
func MaxMessageSize(size int) DecoderOption {
	return func(o *decoderOptions) {
		o.maxMessageSize = size
	}
}

// StrictHeaders returns a DecoderOption that turns a missing, non-numeric or
// negative Content-Length into ErrMalformedHeader.
func StrictHeaders() DecoderOption {
	return func(o *decoderOptions) {
		o.strictHeaders = true
	}
}

// DecoderLoggerOption returns a DecoderOption that sets the logger used to report a stall.
func DecoderLoggerOption(logger Logger) DecoderOption {
	return func(o *decoderOptions) {
		o.logger = logger
	}
}

// decoderOpts derives the Decoder configuration from connection options.
func (o *options) decoderOpts() []DecoderOption {
	opts := []DecoderOption{
		MaxMessageSize(o.maxMessageSize),
		DecoderLoggerOption(o.logger),
	}
	if o.strictHeaders {
		opts = append(opts, StrictHeaders())
	}
	return opts
}
