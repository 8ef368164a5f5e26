package main

import (
	"os"

	"gapscan/cmd/gapscan/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
