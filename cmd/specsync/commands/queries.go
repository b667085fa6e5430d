package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/pipeline"
	"github.com/msageha/specsync/internal/scheduler"
)

var (
	nextWorker   string
	nextPhase    string
	nextSpec     string
	nextOverCap  bool
	nextExplain  bool
	historySpec  string
	historyUser  string
	historySince time.Duration
	historyLimit int
)

var progressCmd = &cobra.Command{
	Use:   "progress [spec]",
	Short: "Show project or spec progress",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			if len(args) == 1 {
				sp, err := sys.Tracker.GetSpecProgress(args[0]).Unwrap()
				if err != nil {
					return err
				}
				if done, err := emit(sp); done {
					return err
				}
				printSpecProgress(sp)
				return nil
			}
			pp, err := sys.Tracker.GetProjectProgress().Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(pp); done {
				return err
			}
			info("%s %.0f%%  %d/%d tasks complete, %d in progress, %d blocked, %d active assignments",
				bar(pp.Percent, 30), pp.Percent, pp.Completed, pp.Total, pp.InProgress, pp.Blocked, pp.ActiveCount)
			for _, sp := range pp.Specs {
				printSpecProgress(sp)
			}
			return nil
		})
	},
}

func printSpecProgress(sp model.SpecProgress) {
	fmt.Fprintf(stdout, "  %-12s %s %3.0f%%  ", sp.SpecID, bar(sp.Percent, 20), sp.Percent)
	statusColor(string(sp.Status)).Fprintf(stdout, "%-9s", sp.Status)
	fmt.Fprintf(stdout, " %s %s\n", sp.Priority, sp.Title)
}

func constraints() scheduler.Constraints {
	c := scheduler.Constraints{Worker: nextWorker, Phase: nextPhase, SpecID: nextSpec}
	if nextOverCap {
		allow := true
		c.AllowOverCapacity = &allow
	}
	return c
}

var nextCmd = &cobra.Command{
	Use:   "next [capability]",
	Short: "Recommend the next task to work on",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		capability := ""
		if len(args) == 1 {
			capability = args[0]
		}
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			out, err := sys.Scheduler.GetNextTask(capability, constraints()).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(out); done {
				return err
			}
			if out.Recommendation == nil {
				warning("nothing to recommend: %s (%s)", out.Reason, out.Detail)
			} else {
				printRecommendation(*out.Recommendation)
			}
			if nextExplain {
				printSkips(out.Skipped)
			}
			return nil
		})
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <n> [capability]",
	Short: "Recommend up to n tasks in order",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var n int
		if _, err := fmt.Sscan(args[0], &n); err != nil {
			return model.NewError(model.ErrKindInvalid, "batch", args[0], "n must be an integer")
		}
		capability := ""
		if len(args) == 2 {
			capability = args[1]
		}
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			b, err := sys.Scheduler.GetBatchRecommendations(capability, n, constraints()).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(b); done {
				return err
			}
			if len(b.Recommendations) == 0 {
				warning("nothing to recommend: %s (%s)", b.Reason, b.Detail)
			}
			for _, r := range b.Recommendations {
				printRecommendation(r)
			}
			if nextExplain {
				printSkips(b.Skipped)
			}
			return nil
		})
	},
}

func printRecommendation(r scheduler.Recommendation) {
	cyan.Fprintf(stdout, "%s/%s", r.SpecID, r.TaskID)
	fmt.Fprintf(stdout, " %s  score %s\n", r.Title, r.Score)
	faint.Fprintf(stdout, "  %s\n", r.Justification)
	if r.OverCapacity {
		warning("  worker is at capacity")
	}
}

func printSkips(skips []scheduler.Skip) {
	for _, s := range skips {
		faint.Fprintf(stdout, "  skipped %s/%s: %s %s\n", s.SpecID, s.TaskID, s.Reason, s.Detail)
	}
}

var assignmentsCmd = &cobra.Command{
	Use:   "assignments [worker]",
	Short: "List in-progress assignments",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		worker := ""
		if len(args) == 1 {
			worker = args[0]
		}
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			recs, err := sys.Tracker.GetCurrentAssignments(worker).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(recs); done {
				return err
			}
			if len(recs) == 0 {
				info("no active assignments")
				return nil
			}
			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "SPEC\tTASK\tWORKER\tPRIORITY\tSTARTED")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n", r.SpecID, r.TaskID, r.Worker, r.Priority,
					time.Since(r.StartedAt).Round(time.Second))
			}
			return w.Flush()
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List closed assignments, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := model.HistoryQuery{SpecID: historySpec, Worker: historyUser, Limit: historyLimit}
		if historySince > 0 {
			q.Since = time.Now().Add(-historySince)
		}
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			recs, err := sys.Tracker.GetCompletionHistory(ctx, q).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(recs); done {
				return err
			}
			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "SPEC\tTASK\tWORKER\tSTATUS\tDURATION\tNOTES")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.SpecID, r.TaskID, r.Worker, r.Status,
					duration(r.DurationSec), r.Notes)
			}
			return w.Flush()
		})
	},
}

var handoffsCmd = &cobra.Command{
	Use:   "handoffs [spec]",
	Short: "List recorded handoffs, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := ""
		if len(args) == 1 {
			spec = args[0]
		}
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			hs, err := sys.Tracker.GetHandoffs(spec).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(hs); done {
				return err
			}
			for _, h := range hs {
				cyan.Fprintf(stdout, "%s %s -> %s", h.SpecID, h.FromTask, h.ToTask)
				fmt.Fprintf(stdout, "  by %s, %d tasks remaining\n", h.Context.CompletedBy, len(h.Context.RemainingTasks))
				if h.Context.Notes != "" {
					faint.Fprintf(stdout, "  %s\n", h.Context.Notes)
				}
			}
			return nil
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every spec's document against its record",
	Long: `Run one full validation cycle. Nothing is written; a running daemon
repairs what this reports. Exits 1 when drift was found.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			rep, err := sys.Tracker.ValidateState(ctx).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(rep); done {
				if err == nil && !rep.OK() {
					err = errReported
				}
				return err
			}
			for _, v := range rep.Inconsistent() {
				c := yellow
				if v.Status == model.VerdictConflict {
					c = red
				}
				c.Fprintf(stdout, "%s %s", v.Status, v.Entity)
				fmt.Fprintf(stdout, " confidence %.2f\n", v.Confidence)
				for _, d := range v.Divergences {
					faint.Fprintf(stdout, "  %s: document=%q record=%q\n", d.Field, d.DocumentValue, d.RecordValue)
				}
			}
			for path, msg := range rep.DocErrors {
				red.Fprintf(stdout, "unreadable %s", path)
				fmt.Fprintf(stdout, ": %s\n", msg)
			}
			if rep.OK() {
				success("%d specs consistent", rep.Consistent)
				return nil
			}
			warning("%d consistent, %d auto-repairable, %d conflicts", rep.Consistent, rep.AutoRepairable, rep.Conflicts)
			return errReported
		})
	},
}

func duration(sec float64) string {
	return (time.Duration(sec * float64(time.Second))).Round(time.Second).String()
}

func init() {
	for _, c := range []*cobra.Command{nextCmd, batchCmd} {
		c.Flags().StringVar(&nextWorker, "worker", "", "requesting worker, for capacity checks")
		c.Flags().StringVar(&nextPhase, "phase", "", "boost specs in this phase")
		c.Flags().StringVar(&nextSpec, "spec", "", "only consider this spec")
		c.Flags().BoolVar(&nextOverCap, "allow-over-capacity", false, "recommend even when the worker is at capacity")
		c.Flags().BoolVar(&nextExplain, "explain", false, "list skipped tasks and why")
	}
	historyCmd.Flags().StringVar(&historySpec, "spec", "", "only this spec")
	historyCmd.Flags().StringVar(&historyUser, "worker", "", "only this worker")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only records completed within this window")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "at most this many records")
	rootCmd.AddCommand(progressCmd, nextCmd, batchCmd, assignmentsCmd, historyCmd, handoffsCmd, validateCmd)
}
