package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "fusion: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// exitCode maps a command error to the process exit status. Errors that carry
// no code are usage or configuration problems.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return sErr.ExitCode
	}
	return ExitConfigError
}
