// glct is the pipeline CLI: fetch configured series, compute indices and the
// composite, inspect stored data, export the static tree and run the full
// refresh cycle outside the scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes mirror the service conventions: configuration and credential
// problems, bad user input and exhausted fetches are distinguishable for
// scripting.
const (
	exitOK          = 0
	exitConfigError = 1
	exitUsageError  = 2
	exitFetchError  = 3
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, args ...interface{}) error {
	return &exitError{code: exitUsageError, err: fmt.Errorf(format, args...)}
}

func configErr(err error) error {
	return &exitError{code: exitConfigError, err: err}
}

func fetchErr(err error) error {
	return &exitError{code: exitFetchError, err: err}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfigError)
	}
}
