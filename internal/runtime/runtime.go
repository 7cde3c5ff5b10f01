// Package runtime drives a zstore process: it runs the entry point once on
// a single locked OS thread, cancels it on SIGINT/SIGTERM and maps its
// error to a process exit status.
package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/zstore/zstore/pkg/errors"
)

// Exit statuses returned by ExitCode
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitFatal       = 2
	ExitInterrupted = 130
)

// Entry is the process initialization callback. Sessions are opened and
// driven from inside it; it runs to completion before Start returns.
type Entry func(ctx context.Context) error

// Options configures Start
type Options struct {
	Name   string
	Logger *slog.Logger

	// Pin binds the driving thread to CPU
	Pin bool
	CPU int

	// Signals cancel the entry's context. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal

	// Ready runs on the driving thread before entry, e.g. to bring up the transport
	Ready func(ctx context.Context) error
}

// Start invokes entry exactly once and returns its error
func Start(opts Options, entry Entry) error {
	if entry == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "no entry point").WithComponent("runtime")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runtime")
	signals := opts.Signals
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	done := make(chan error, 1)
	go func() {
		goruntime.LockOSThread()
		defer goruntime.UnlockOSThread()

		if opts.Pin {
			if err := pinThread(opts.CPU); err != nil {
				logger.Warn("failed to pin driving thread", "cpu", opts.CPU, "error", err)
			}
		}
		done <- run(ctx, opts, entry)
	}()

	logger.Info("runtime started", "name", opts.Name)
	err := <-done
	if ctx.Err() != nil && err != nil {
		logger.Warn("interrupted", "name", opts.Name, "error", err)
	}
	return err
}

func run(ctx context.Context, opts Options, entry Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrCodeInternalError, "entry point panicked: %v", r).
				WithComponent("runtime").WithStack()
		}
	}()

	if opts.Ready != nil {
		if err := opts.Ready(ctx); err != nil {
			return fmt.Errorf("runtime not ready: %w", err)
		}
	}
	return entry(ctx)
}

// ExitCode maps an entry error to a process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case stderrors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.IsFatal(err):
		return ExitFatal
	default:
		return ExitFailure
	}
}
