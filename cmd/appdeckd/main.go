// Package main provides the entry point for the appdeck daemon.
package main

import (
	"fmt"
	"os"

	"github.com/appdeck-ai/appdeck/cmd/appdeckd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
