// Package main provides dlcoord, which runs and inspects multi-rank
// storage benchmark groups coordinated through shared memory.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/calvinalkan/rankcoord/internal/cli"
)

func main() {
	env, err := cli.ProcessEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh)

	os.Exit(exitCode)
}
