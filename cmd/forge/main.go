// Package main provides the entry point for the forge CLI.
package main

import (
	"fmt"
	"os"

	"github.com/forgecode/forge/cmd/forge/commands"
)

func main() {
	code, err := commands.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}
