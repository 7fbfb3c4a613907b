// Command rescachectl is a small demo/debugging client for rescache: it
// points a Service at a base URL and lets you load a path and watch its
// observer events from the terminal.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rescachectl:", err)
		os.Exit(1)
	}
}
