package lspframe

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidCommand is returned when a Process is created without a runnable command.
var ErrInvalidCommand = errors.New("invalid command")

// defaultShutdownTimeout is how long a server gets to exit on its own after
// its input is closed, before it is killed.
const defaultShutdownTimeout = 5 * time.Second

// Process runs a language server as a subprocess and talks to it through a
// Conn bound to the server's stdin, stdout and stderr.
type Process struct {
	cmd             *exec.Cmd
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []Option

	mu          sync.Mutex
	conn        *Conn
	ready       chan struct{}
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// ProcessLoggerOption sets the logger for the process and, unless overridden
// by ProcessConnOption, for its connection.
func ProcessLoggerOption(logger Logger) ProcessOption {
	return func(p *Process) {
		p.logger = logger
	}
}

// ProcessShutdownTimeoutOption sets how long the server may take to exit once
// the connection is done. On expiry the server is killed. Default is 5s;
// zero kills a server that has not already exited right away.
func ProcessShutdownTimeoutOption(timeout time.Duration) ProcessOption {
	return func(p *Process) {
		p.shutdownTimeout = timeout
	}
}

// ProcessConnOption appends options for the connection to the server.
// OnMessageOption is required.
func ProcessConnOption(opt ...Option) ProcessOption {
	return func(p *Process) {
		p.connOpts = append(p.connOpts, opt...)
	}
}

// NewProcess prepares cmd to be run as a language server.
// The command must not have been started and its standard streams must be unset.
func NewProcess(cmd *exec.Cmd, opts ...ProcessOption) (*Process, error) {
	if cmd == nil || cmd.Path == "" || cmd.Process != nil {
		return nil, ErrInvalidCommand
	}
	if cmd.Stdin != nil || cmd.Stdout != nil || cmd.Stderr != nil {
		return nil, errors.Wrap(ErrInvalidCommand, "standard streams already set")
	}

	p := &Process{
		cmd:             cmd,
		logger:          slog.Default(),
		shutdownTimeout: defaultShutdownTimeout,
		ready:           make(chan struct{}),
		shutdownNow:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Run starts the server and serves its connection until the server exits,
// the connection fails, or ctx is canceled. When the connection is done the
// server's input is closed and it gets the shutdown timeout to exit; after
// a cancellation it is also interrupted. A server that exits on its own with
// a zero status, or a call to Close, makes Run return nil.
func (p *Process) Run(ctx context.Context) error {
	conn, err := p.start()
	if err != nil {
		return err
	}

	connErr := conn.Run(ctx)
	waitErr := p.stop(ctx.Err() != nil)

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(connErr, io.EOF):
		return waitErr
	case errors.Is(connErr, context.Canceled):
		// Close was called.
		return nil
	default:
		return connErr
	}
}

func (p *Process) start() (*Conn, error) {
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stderr pipe")
	}

	opts := append([]Option{LoggerOption(p.logger)}, p.connOpts...)
	opts = append(opts, DiagnosticsOption(stderr))
	conn, err := NewConn(stdout, stdin, opts...)
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}

	if err = p.cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", p.cmd.Path)
	}
	p.logger.Info("language server started", "path", p.cmd.Path, "pid", p.cmd.Process.Pid)

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	close(p.ready)

	return conn, nil
}

// stop waits for the server to exit, killing it once the shutdown timeout
// expires or Close is called.
func (p *Process) stop(interrupt bool) error {
	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	if interrupt {
		// Not supported on every platform; the kill below still applies.
		_ = p.cmd.Process.Signal(os.Interrupt)
	}

	timer := time.NewTimer(p.shutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		p.logger.Warn("language server did not exit in time, killing", "timeout", p.shutdownTimeout)
		_ = p.cmd.Process.Kill()
		err = <-done
	case <-p.shutdownNow:
		p.logger.Debug("shutdown timeout bypassed via Close()")
		_ = p.cmd.Process.Kill()
		err = <-done
	}

	if err != nil {
		p.logger.Info("language server exited", "path", p.cmd.Path, "error", err)
	} else {
		p.logger.Info("language server exited", "path", p.cmd.Path)
	}
	return err
}

// Ready returns a channel that is closed once the server has started and Conn is usable.
func (p *Process) Ready() <-chan struct{} {
	return p.ready
}

// Conn returns the connection to the server, or nil before the server has started.
func (p *Process) Conn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Close closes the connection to the server and kills it without waiting for
// the shutdown timeout. Run returns once the server is gone.
func (p *Process) Close() error {
	// Signal to bypass any pending shutdown timeout
	select {
	case p.shutdownNow <- struct{}{}:
	default:
		// Channel already has a signal
	}

	if conn := p.Conn(); conn != nil {
		return conn.Close()
	}
	return nil
}
