package commands

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/pipeline"
	"github.com/msageha/specsync/internal/tracker"
)

var (
	assignNotes     string
	assignMaxActive int
	completeNotes   string
	releaseReason   string
)

var assignCmd = &cobra.Command{
	Use:   "assign <spec> <task> <worker>",
	Short: "Claim a ready task for a worker",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			maxActive := assignMaxActive
			if !cmd.Flags().Changed("max-active") {
				maxActive = sys.Config.Scheduler.CapacityLimit
			}
			rec, err := sys.Tracker.AssignTask(ctx, args[0], args[1], args[2], tracker.AssignOptions{
				Notes:     assignNotes,
				MaxActive: maxActive,
			}).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(rec); done {
				return err
			}
			success("%s/%s assigned to %s", rec.SpecID, rec.TaskID, rec.Worker)
			return nil
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <spec> <task>",
	Short: "Complete an in-progress task and record handoffs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			c, err := sys.Tracker.CompleteTask(ctx, args[0], args[1], tracker.CompleteOptions{Notes: completeNotes}).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(c); done {
				return err
			}
			success("%s/%s complete after %s", c.Record.SpecID, c.Record.TaskID, duration(c.Record.DurationSec))
			for _, h := range c.Handoffs {
				info("  handoff %s -> %s (%s)", h.FromTask, h.ToTask, h.RecommendedCapability)
			}
			if c.SpecDone {
				success("%s done", c.Record.SpecID)
			}
			return nil
		})
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <spec> <task>",
	Short: "Return an in-progress task to ready",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			rec, err := sys.Tracker.ReleaseTask(ctx, args[0], args[1], releaseReason).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(rec); done {
				return err
			}
			success("%s/%s released by %s", rec.SpecID, rec.TaskID, rec.Worker)
			return nil
		})
	},
}

var subtaskCmd = &cobra.Command{
	Use:   "subtask <spec> <task> <subtask>",
	Short: "Mark a subtask done",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			p, err := sys.Tracker.CompleteSubtask(ctx, args[0], args[1], args[2]).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(p); done {
				return err
			}
			success("%s/%s %d/%d subtasks %s %d%%", p.SpecID, p.TaskID, p.Done, p.Total,
				bar(float64(p.Progress), 20), p.Progress)
			return nil
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <spec> <task> <percent>",
	Short: "Set a task's progress percentage",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		percent, err := strconv.Atoi(strings.TrimSuffix(args[2], "%"))
		if err != nil {
			return model.NewError(model.ErrKindInvalid, "update", args[2], "percent must be an integer")
		}
		return withSystem(cmd, func(ctx context.Context, sys *pipeline.System) error {
			task, err := sys.Tracker.UpdateTaskProgress(ctx, args[0], args[1], percent).Unwrap()
			if err != nil {
				return err
			}
			if done, err := emit(task); done {
				return err
			}
			success("%s/%s at %d%%", args[0], task.ID, task.Progress)
			return nil
		})
	},
}

func init() {
	assignCmd.Flags().StringVar(&assignNotes, "notes", "", "notes stored on the assignment")
	assignCmd.Flags().IntVar(&assignMaxActive, "max-active", 0, "reject when the worker already holds this many tasks (default scheduler.capacity_limit)")
	completeCmd.Flags().StringVar(&completeNotes, "notes", "", "notes passed on in handoffs")
	releaseCmd.Flags().StringVar(&releaseReason, "reason", "", "why the task is released")
	rootCmd.AddCommand(assignCmd, completeCmd, releaseCmd, subtaskCmd, updateCmd)
}
