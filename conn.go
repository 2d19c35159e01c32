package lspframe

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrInvalidStream is returned when the server output or input stream is nil.
	ErrInvalidStream = errors.New("invalid stream")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Default configuration values.
const (
	// defaultBufferSize is the default size of the message channel buffer.
	defaultBufferSize = 1
	// readChunkSize is how many bytes readLoop pulls from the server per read.
	readChunkSize = 4096
)

// Conn is a framed connection to a language server speaking over a pair of
// byte streams, typically the server's stdout and stdin.
//
// Incoming bytes are decoded by a Decoder and each message is handed to the
// OnMessage callback. Outgoing payloads are framed with Encode and written by
// a dedicated loop.
type Conn struct {
	reader io.Reader      // server output
	writer io.WriteCloser // server input
	logger Logger

	decoder *Decoder
	lines   *LineDecoder
	// handlerErr records the first error returned by onMessage while decoding.
	handlerErr error

	opts options

	sendMsg chan []byte
	closed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConn creates a connection that reads framed messages from r and writes
// framed messages to w. It applies the provided options and validates them
// before returning.
func NewConn(r io.Reader, w io.WriteCloser, opt ...Option) (*Conn, error) {
	if r == nil || w == nil {
		return nil, ErrInvalidStream
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(r, w, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxMessageSize < 0 {
		opts.maxMessageSize = 0
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.onDiagnostic == nil {
		logger := opts.logger
		opts.onDiagnostic = func(line string) { logger.Warn("server diagnostic", "line", line) }
	}

	return nil
}

// newConnWithOptions creates a new Conn with the given options.
func newConnWithOptions(r io.Reader, w io.WriteCloser, opts options) *Conn {
	c := &Conn{
		reader:  r,
		writer:  w,
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan []byte, opts.bufferSize),
	}
	c.decoder = NewDecoder(c.dispatch, opts.decoderOpts()...)
	c.lines = NewLineDecoder(opts.debug, opts.onDiagnostic)

	return c
}

// Run starts the connection's read, write and diagnostic loops.
// It blocks until an error occurs, the server closes its output, or the
// context is canceled. The streams are closed when Run returns.
// A server closing its output is reported as io.EOF.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established")
	c.logger.Debug("connection options",
		"buffer_size", c.opts.bufferSize,
		"max_message_size", c.opts.maxMessageSize,
		"strict_headers", c.opts.strictHeaders,
		"debug", c.opts.debug)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	if c.opts.diagnostics != nil {
		group.Go(func() error {
			return c.diagnosticLoop()
		})
	}

	// Blocked reads only return once the streams are closed.
	group.Go(func() error {
		<-child.Done()
		c.closeConn()
		return nil
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		c.logger.Info("connection closed with error", "error", err)
	} else {
		c.logger.Info("connection closed")
	}

	return err
}

// Close gracefully closes the connection.
// It cancels Run and closes the underlying streams.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	return c.closeStreams()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the server is not consuming messages fast enough.
var ErrBufferFull = errors.New("send buffer full")

// Write frames payload and queues it without blocking (fire-and-forget).
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//
// For guaranteed delivery, use WriteBlocking or WriteTimeout instead.
func (c *Conn) Write(payload string) error {
	data, err := c.frame(payload)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking frames payload and queues it, blocking until the message is
// queued or the context is canceled.
//
// Returns:
//   - nil: message was successfully queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closed
func (c *Conn) WriteBlocking(ctx context.Context, payload string) error {
	data, err := c.frame(payload)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout frames payload and queues it, waiting at most timeout for buffer space.
//
// Returns:
//   - nil: message was successfully queued
//   - ErrBufferFull: timeout expired before message could be queued
//   - ErrConnectionClosed: connection is closed
func (c *Conn) WriteTimeout(payload string, timeout time.Duration) error {
	data, err := c.frame(payload)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- data:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// frame encodes an outgoing payload, tracing it in debug mode.
func (c *Conn) frame(payload string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	if c.opts.debug {
		c.logger.Debug("client to server", "message", payload)
	}

	return Encode(payload), nil
}

// dispatch is the Decoder callback. It runs on the read loop goroutine.
func (c *Conn) dispatch(message string) {
	if c.opts.debug {
		c.logger.Debug("server to client", "message", message)
	}

	if err := c.opts.onMessage(message); err != nil && c.handlerErr == nil {
		c.handlerErr = err
	}
}

// readLoop continuously reads server output and feeds it to the decoder one byte at a time.
// Returns when the context is canceled, the server closes its output, or an
// unrecoverable error occurs.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := c.reader.Read(buf)
		for _, b := range buf[:n] {
			if ferr := c.decoder.Feed(b); ferr != nil {
				c.logger.Debug("framing error", "error", ferr, "buffered", c.decoder.Buffered())
				if c.opts.onError(ferr) == Disconnect {
					return ferr
				}
				c.decoder.Reset()
			}

			if c.handlerErr != nil {
				return c.handlerErr
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("server closed output", "buffered", c.decoder.Buffered())
				return io.EOF
			}
			if c.IsClosed() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrConnectionClosed
			}

			c.logger.Debug("read error", "error", err)
			if c.opts.onError(err) == Disconnect {
				return errors.Wrap(err, "read server output")
			}
		}
	}
}

// writeLoop continuously sends framed messages from the send channel to the server.
// Returns when the context is canceled or an unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the server.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the error is suppressed and writing continues.
func (c *Conn) write(data []byte) error {
	_, err := c.writer.Write(data)

	if err != nil {
		c.logger.Debug("write error", "error", err)
		if c.opts.onError(err) == Disconnect {
			return errors.Wrap(err, "write server input")
		}
	}

	return nil
}

// diagnosticLoop drains the diagnostic stream. Lines are only collected in debug
// mode, but the stream is always drained so the server never blocks on it.
func (c *Conn) diagnosticLoop() error {
	_, err := io.Copy(c.lines, c.opts.diagnostics)
	if err != nil && !c.IsClosed() {
		c.logger.Debug("diagnostic stream error", "error", err)
	}
	return nil
}

// closeConn marks the connection as closed and closes the underlying streams.
func (c *Conn) closeConn() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.closeStreams()
}

func (c *Conn) closeStreams() error {
	err := c.writer.Close()
	if rc, ok := c.reader.(io.Closer); ok {
		_ = rc.Close()
	}
	if rc, ok := c.opts.diagnostics.(io.Closer); ok {
		_ = rc.Close()
	}
	return err
}
