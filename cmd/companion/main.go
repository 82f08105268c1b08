// Package main provides the companion CLI.
//
// Usage:
//
//	companion [flags] <command>
//
// Commands:
//
//	call          - place a voice call from the terminal
//	serve         - expose call control over HTTP
//	mock-backend  - run a scripted duplex backend for development
//	token         - mint a user token for the mock backend
//
// Configuration is read from the environment and an optional .env file. Flags override
// both.
package main

import (
	"fmt"
	"os"

	"github.com/alexlevy0/mycompanion/cmd/companion/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
