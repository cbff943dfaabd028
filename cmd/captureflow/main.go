// Package main is the captureflow command. It consumes capture messages from
// RabbitMQ or NATS JetStream, runs each one through the extraction pipeline
// and submits the resulting table to the inference endpoint.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "captureflow"

// Exit codes
const (
	exitOK     = 0
	exitError  = 1
	exitPanic  = 2
	exitHalted = 3
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitPanic)
		}
	}()

	os.Exit(execute(newRootCmd(), os.Args[1:]))
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return exitCode(err)
	}
	return exitOK
}
