package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// A remote failure recorded in local state exits 2, everything
		// else exits 1.
		if errors.Is(err, errActionFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitActionFailed)
		}

		exitOnError(err)
	}
}
