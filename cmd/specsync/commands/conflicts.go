package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/pipeline"
)

var (
	conflictsAll bool
	resolveNote  string
	replayName   string
	replay       bool
	txLimit      int
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List conflicts waiting for manual resolution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			list := sys.Arbiter.Pending
			if conflictsAll {
				list = sys.Arbiter.List
			}
			cfs, err := list()
			if err != nil {
				return err
			}
			if done, err := emit(cfs); done {
				return err
			}
			if len(cfs) == 0 {
				success("no conflicts")
				return nil
			}
			for _, cf := range cfs {
				printConflict(cf)
			}
			return nil
		})
	},
}

func printConflict(cf model.Conflict) {
	statusColor(string(cf.State)).Fprintf(stdout, "%-11s", cf.State)
	fmt.Fprintf(stdout, " %s  %s  confidence %.2f  %s\n", cf.ID, cf.Verdict.Entity, cf.Verdict.Confidence,
		cf.CreatedAt.Local().Format(time.DateTime))
	for _, d := range cf.Verdict.Divergences {
		faint.Fprintf(stdout, "  %s\n", d.Field)
		fmt.Fprintf(stdout, "    document: %s\n    record:   %s\n", d.DocumentValue, d.RecordValue)
	}
	if cf.ResolvedBy != "" {
		faint.Fprintf(stdout, "  resolved by %s\n", cf.ResolvedBy)
	}
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <conflict> <document|record>",
	Short: "Settle a conflict by keeping one side",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		side := model.Side(args[1])
		if side != model.SideDocument && side != model.SideRecord {
			return model.NewError(model.ErrKindInvalid, "resolve", args[1], "side must be document or record")
		}
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			cf, err := sys.Arbiter.ResolveManual(ctx, args[0], side, resolveNote)
			if err != nil {
				return err
			}
			if done, err := emit(cf); done {
				return err
			}
			success("%s resolved keeping the %s (backup %s)", cf.ID, side, cf.BackupID)
			return nil
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <conflict>",
	Short: "Restore the files a conflict resolution changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			cf, err := sys.Arbiter.Rollback(ctx, args[0])
			if err != nil {
				return err
			}
			if done, err := emit(cf); done {
				return err
			}
			success("%s rolled back", cf.ID)
			return nil
		})
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List or replay events no subscriber could handle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if replay {
			n, err := replayDeadLetters(cmd, replayName)
			if err != nil {
				return err
			}
			success("replayed %d dead letters", n)
			return nil
		}
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			dl, err := sys.Store.LoadDeadLetters()
			if err != nil {
				return err
			}
			if done, err := emit(dl.Letters); done {
				return err
			}
			if len(dl.Letters) == 0 {
				success("dead-letter queue is empty")
				return nil
			}
			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "SUBSCRIBER\tCATEGORY\tSOURCE\tATTEMPTS\tERROR")
			for _, d := range dl.Letters {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.Subscriber, d.Category, d.Source, d.Attempts, d.LastError)
			}
			return w.Flush()
		})
	},
}

var transactionsCmd = &cobra.Command{
	Use:   "transactions [spec]",
	Short: "List recent sync transactions from the history index",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := ""
		if len(args) == 1 {
			spec = args[0]
		}
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			if sys.Index == nil {
				return model.NewError(model.ErrKindIO, "transactions", sys.Layout.IndexPath(), "history index unavailable")
			}
			rows, err := sys.Index.Transactions(ctx, spec, txLimit)
			if err != nil {
				return err
			}
			if done, err := emit(rows); done {
				return err
			}
			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSPEC\tTASK\tOUTCOME\tFILES\tDURATION\tERROR")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", r.Started.Local().Format(time.DateTime),
					r.SpecID, r.TaskID, r.Outcome, len(r.Files), r.Duration, r.Error)
			}
			return w.Flush()
		})
	},
}

func init() {
	conflictsCmd.Flags().BoolVar(&conflictsAll, "all", false, "include resolved and rolled-back conflicts")
	resolveCmd.Flags().StringVar(&resolveNote, "note", "", "recorded with the resolution")
	deadLettersCmd.Flags().BoolVar(&replay, "replay", false, "redeliver dead letters, through the daemon when it runs")
	deadLettersCmd.Flags().StringVar(&replayName, "subscriber", "", "only replay this subscriber's letters")
	transactionsCmd.Flags().IntVar(&txLimit, "limit", 20, "at most this many transactions")
	rootCmd.AddCommand(conflictsCmd, resolveCmd, rollbackCmd, deadLettersCmd, transactionsCmd)
}
