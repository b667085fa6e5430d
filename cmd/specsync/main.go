package main

import (
	"os"

	"github.com/msageha/specsync/cmd/specsync/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Execute(); err != nil {
		os.Exit(commands.ExitCode(err))
	}
}
