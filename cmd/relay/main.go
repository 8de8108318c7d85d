// Command relay runs the streaming LLM relay and report store.
package main

import (
	"fmt"
	"os"

	"github.com/tjfontaine/report-relay/cmd/relay/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
