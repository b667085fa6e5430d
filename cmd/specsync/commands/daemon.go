package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/msageha/specsync/internal/pipeline"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch the project and keep documents and records in sync",
	Long: `Run the synchronization daemon in the foreground.

The daemon holds .specsync/locks/daemon.lock, so only one runs per project.
SIGINT or SIGTERM shuts it down gracefully; a second signal forces exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			for _, name := range sys.Recovered() {
				warning("recovered corrupted state file %s", name)
			}
			info("specsync daemon watching %s", sys.Layout.DocsDir())
			return pipeline.NewDaemon(sys).Run(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
