package main

import (
	"os"

	"github.com/opd-ai/waweb/cmd/wawebctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
