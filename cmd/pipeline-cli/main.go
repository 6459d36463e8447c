package main

import (
	"os"

	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
