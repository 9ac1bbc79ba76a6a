// Command countme runs the DNF countme telemetry pipeline: log archive
// fetching, raw-store ingestion, weekly totals rollup, and store
// maintenance.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mirrorstats/countme/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, cli.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
