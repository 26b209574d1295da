package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Exit codes.
const (
	exitOK          = 0
	exitDifferences = 1
	exitFailure     = 2
)

func main() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errDifferences):
		return exitDifferences
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
}
