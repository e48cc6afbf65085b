// Command roadmap tracks learning progress: it serves the progress API and
// runs one-shot progress operations against the configured storage tier.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
