// Command sandboxd runs the sandbox execution service: an HTTP adapter in
// front of stateless one-shot runs and long-lived sessions, with a reaper
// evicting sessions that have gone idle.
package main

import (
	"fmt"
	"os"

	"github.com/diggerhq/opensandbox/internal/runner"
)

func main() {
	// The runner re-execs this same binary to become PID 1 of a fresh PID
	// namespace; that re-exec'd process must short-circuit straight into
	// Init before cobra ever sees its argv.
	if len(os.Args) > 1 && os.Args[1] == runner.InitArg {
		runner.Init(os.Args[2:])
		return
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
