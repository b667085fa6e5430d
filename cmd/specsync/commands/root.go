package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/pipeline"
)

var (
	projectDir string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "specsync",
	Short: "Keep spec documents and task records in agreement",
	Long: `specsync watches a project's Markdown spec documents and the JSON records
that mirror them, repairs drift between the two, and tracks task assignment,
completion and handoff on top of the synchronized state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. Errors are printed here.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, errReported) {
		printError(err)
	}
	return err
}

func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// errReported marks a failure whose output was already printed.
var errReported = errors.New("reported")

// ExitCode maps an error to the process exit status: 2 for invalid or
// unknown arguments, 3 for rejected claims and conflicts, 1 otherwise.
func ExitCode(err error) int {
	var me *model.Error
	if errors.As(err, &me) {
		switch me.Kind {
		case model.ErrKindInvalid, model.ErrKindNotFound:
			return 2
		case model.ErrKindAssignmentConflict, model.ErrKindCapacityExceeded,
			model.ErrKindDependencyViolation, model.ErrKindConsistencyConflict:
			return 3
		}
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".", "project root")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

// withSystem opens the project for the duration of fn.
func withSystem(cmd *cobra.Command, fn func(ctx context.Context, sys *pipeline.System) error) error {
	ctx := commandContext(cmd)
	sys, err := pipeline.Open(ctx, projectDir, pipeline.OpenOptions{})
	if err != nil {
		return err
	}
	defer sys.Close()
	return fn(ctx, sys)
}
