// Package main is the entry point for the rte response-time analyzer.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/rte/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
