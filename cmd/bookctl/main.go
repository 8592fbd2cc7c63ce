package main

import (
	"fmt"
	"os"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bookctl: %v\n", err)
		os.Exit(1)
	}
}
