package commands

import (
	"github.com/spf13/cobra"

	"github.com/msageha/specsync/internal/setup"
)

var initName string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a specsync project",
	Long: `Initialize a specsync project in the directory given by --project.

Creates:
  • .specsync/config.yaml - project configuration
  • .specsync/{state,logs,backups,quarantine,locks}/
  • docs/ - where spec documents live`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setup.Run(projectDir, initName); err != nil {
			return err
		}
		success("initialized specsync project in %s", projectDir)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "project name (defaults to the directory name)")
	rootCmd.AddCommand(initCmd)
}
