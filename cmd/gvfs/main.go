package main

import (
	"fmt"
	"os"

	"gvfs/internal/cli/commands"
	"gvfs/internal/common"
)

// Set by release ldflags
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersion(version, commit)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(commands.ExitCode(err))
	}
	os.Exit(common.ExitSuccess)
}
