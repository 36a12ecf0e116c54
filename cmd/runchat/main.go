// Package main provides the entry point for the runchat CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/runchat/cmd/runchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
