// Command refinery is the entry point for the transcript refinement service.
//
// Usage:
//
//	refinery serve  --config config.yaml
//	refinery refine --config config.yaml --input transcript.txt
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "refinery: %v\n", err)
		os.Exit(1)
	}
}
