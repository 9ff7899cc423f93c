package main

import (
	"os"

	"github.com/claimpilot/claimpilot/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
