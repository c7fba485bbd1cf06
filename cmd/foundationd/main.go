// Command foundationd wires the coordination, SRPC, and schema-differ
// packages into a runnable process: a `serve` subcommand that runs the
// election/mesh/SRPC stack for a process group, and a `schema diff`
// subcommand that reads a target database, compares it against declared
// entities, and writes a timestamped migration file.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
