// lattice-audit runs a phased security audit over a project directory:
// recon, category analysis, exploit validation and reporting.
//
// Usage:
//
//	lattice-audit init     [--project=<dir>] [--workspace=<dir>]
//	lattice-audit run      [--tui] [--verbose]
//	lattice-audit status
//	lattice-audit report   [--table] [--key=<report>]
//	lattice-audit override <finding-id> <status> --reason=<text> [--actor=<name>]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
