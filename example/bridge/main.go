// Command bridge runs a language server and bridges it to line-delimited JSON.
//
// Each line read from stdin must be one JSON-RPC message; it is framed and
// sent to the server. Every message the server sends back is printed on its
// own line.
//
//	bridge --debug -- clangd --log=verbose
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/lspframe"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// bridgeFlags holds the command line flags.
type bridgeFlags struct {
	Debug           bool
	MaxMessageSize  int
	StrictHeaders   bool
	ShutdownTimeout time.Duration
}

var flags bridgeFlags

var rootCmd = &cobra.Command{
	Use:   "bridge [flags] -- server [args...]",
	Short: "Bridge line-delimited JSON to a language server over stdio",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx, args)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().BoolVar(&flags.Debug, "debug", false, "trace messages and show server stderr")
	rootCmd.Flags().IntVar(&flags.MaxMessageSize, "max-message-size", 0, "largest accepted server message in bytes (0: unlimited)")
	rootCmd.Flags().BoolVar(&flags.StrictHeaders, "strict-headers", false, "fail on a bad Content-Length instead of stalling")
	rootCmd.Flags().DurationVar(&flags.ShutdownTimeout, "shutdown-timeout", 5*time.Second, "grace period before the server is killed")
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func run(ctx context.Context, args []string) error {
	zl, err := newLogger(flags.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := lspframe.NewZapLogger(zl)

	out := bufio.NewWriter(os.Stdout)
	onMessage := func(message string) error {
		if _, err := fmt.Fprintln(out, message); err != nil {
			return err
		}
		return out.Flush()
	}

	process, err := lspframe.NewProcess(exec.Command(args[0], args[1:]...),
		lspframe.ProcessLoggerOption(logger),
		lspframe.ProcessShutdownTimeoutOption(flags.ShutdownTimeout),
		lspframe.ProcessConnOption(
			lspframe.OnMessageOption(onMessage),
			lspframe.DebugOption(flags.Debug),
			lspframe.MessageMaxSize(flags.MaxMessageSize),
			lspframe.StrictHeadersOption(flags.StrictHeaders),
			lspframe.BufferSizeOption(16),
		),
	)
	if err != nil {
		return err
	}

	go forwardInput(ctx, process, logger)

	return process.Run(ctx)
}

// forwardInput sends each JSON line from stdin to the server. The server
// keeps running after stdin EOF until it exits or the bridge is interrupted.
func forwardInput(ctx context.Context, process *lspframe.Process, logger lspframe.Logger) {
	select {
	case <-process.Ready():
	case <-ctx.Done():
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			logger.Warn("skipping invalid JSON input", "line", string(line))
			continue
		}
		if err := process.Conn().WriteBlocking(ctx, string(line)); err != nil {
			logger.Error("send failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("read stdin", "error", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
