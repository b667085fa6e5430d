package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/specsync/internal/config"
	"github.com/msageha/specsync/internal/pipeline"
	"github.com/msageha/specsync/internal/uds"
)

// controlClient returns a client for the project's daemon socket.
func controlClient() (*uds.Client, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	c := uds.NewClient(config.NewLayout(projectDir, cfg).SocketPath())
	c.SetTimeout(10 * time.Second)
	return c, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running and what it is doing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		var st pipeline.Status
		if err := client.Call(commandContext(cmd), uds.CmdStatus, nil, &st); err != nil {
			if jsonOutput {
				_, err := emit(map[string]bool{"running": false})
				return err
			}
			warning("daemon not running")
			return nil
		}
		if done, err := emit(st); done {
			return err
		}
		success("daemon running (pid %d) since %s", st.PID, st.StartedAt.Local().Format(time.DateTime))
		info("  %d pending conflicts, %d active assignments, %d dead letters",
			st.PendingConflicts, st.ActiveAssignments, st.DeadLetters)
		w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SUBSCRIBER\tPENDING\tDELIVERED\tFAILED\tSTATE")
		for _, s := range st.Subscribers {
			state := "active"
			if s.Suspended {
				state = "suspended"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", s.Name, s.Pending, s.Delivered, s.Failed, state)
		}
		return w.Flush()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running daemon to shut down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		if err := client.Call(commandContext(cmd), uds.CmdShutdown, nil, nil); err != nil {
			return err
		}
		success("daemon shutting down")
		return nil
	},
}

// replayDeadLetters asks a running daemon to replay and falls back to an
// offline replay when none answers.
func replayDeadLetters(cmd *cobra.Command, subscriber string) (int, error) {
	client, err := controlClient()
	if err != nil {
		return 0, err
	}
	var res pipeline.ReplayResult
	err = client.Call(commandContext(cmd), uds.CmdReplay, pipeline.ReplayParams{Subscriber: subscriber}, &res)
	if err == nil {
		return res.Replayed, nil
	}
	if !errors.Is(err, uds.ErrDaemonNotRunning) {
		return 0, err
	}
	var n int
	err = withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
		var rerr error
		n, rerr = pipeline.ReplayDeadLetters(ctx, sys, subscriber)
		return rerr
	})
	return n, err
}

func init() {
	rootCmd.AddCommand(statusCmd, stopCmd)
}
