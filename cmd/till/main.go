// Command till runs the offline-first synchronization daemon for a
// point-of-sale terminal, plus the operational subcommands for
// inspecting its queues.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
