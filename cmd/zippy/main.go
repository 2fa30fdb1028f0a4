package main

import (
	"context"
	"fmt"
	"os"

	"github.com/BadgerOps/zippy/internal/engine"
)

var version = "0.1.0"

// Exit codes.
const (
	exitError     = 1
	exitNotFound  = 2
	exitCancelled = 130
)

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch engine.KindOf(err) {
	case engine.KindCancelled:
		return exitCancelled
	case engine.KindNotFound:
		return exitNotFound
	default:
		return exitError
	}
}

func main() {
	err := NewRootCmd().ExecuteContext(context.Background())
	closeStore()
	if err != nil {
		if engine.KindOf(err) == engine.KindCancelled {
			fmt.Fprintln(os.Stderr, "Operation cancelled")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}
