package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/tis24dev/cmsfleet/internal/cli"
	"github.com/tis24dev/cmsfleet/internal/types"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			code = types.ExitPanicError.Int()
		}
	}()

	// SIGINT/SIGTERM cancel the context; running operations release their
	// locks and the remaining instances of a batch are reported as failed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return cli.Execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}
