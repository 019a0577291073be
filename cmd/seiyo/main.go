// ABOUTME: Entry point for the seiyo CLI: loads .env files, runs the cobra root command, and maps errors to exit codes.
// ABOUTME: SIGINT/SIGTERM cancel the command context so servers and dashboards shut down cleanly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hiratazx/SeiyoHighFork-sub002/config"
)

var version = "dev"

func main() {
	config.LoadDotEnvAuto()
	os.Exit(execute(os.Args[1:], &env{out: os.Stdout, errOut: os.Stderr, deps: llmDeps}))
}

// execute runs the CLI with args and returns the process exit code.
func execute(args []string, e *env) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(e)
	root.SetArgs(args)
	root.SetOut(e.out)
	root.SetErr(e.errOut)

	if err := root.ExecuteContext(ctx); err != nil {
		if code, ok := isExitError(err); ok {
			return code
		}
		fmt.Fprintf(e.errOut, "error: %v\n", err)
		return 1
	}
	return 0
}
