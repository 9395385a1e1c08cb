package main

import (
	"fmt"
	"os"

	"pyls-broker/internal/cli"
)

// runMain executes the root command and returns the process exit code.
// Extracted so tests can exercise it without os.Exit.
func runMain() int {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	exitCode := runMain()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
