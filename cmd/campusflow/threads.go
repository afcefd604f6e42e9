package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List threads, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		a, err := newApp(ctx, cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		lister, ok := a.executor.Checkpointer().(campusflow.ThreadLister)
		if !ok {
			return errors.New("the configured store cannot list threads")
		}
		threads, err := lister.Threads(ctx)
		if err != nil {
			return err
		}
		if flagBool(cmd, "json") {
			return printJSON(threads)
		}
		if len(threads) == 0 {
			fmt.Println("No threads found.")
			return nil
		}
		for _, t := range threads {
			status := string(t.Status)
			if t.Paused {
				status = color.YellowString("paused")
			}
			fmt.Printf("%-40s %-8s step %-4d %s\n", t.ThreadID, status, t.Step, t.UpdatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <thread-id>",
	Short: "Show every checkpoint of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		a, err := newApp(ctx, cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		checkpoints, err := a.executor.History(ctx, args[0])
		if err != nil {
			return err
		}
		if flagBool(cmd, "json") {
			return printJSON(checkpoints)
		}
		if len(checkpoints) == 0 {
			return fmt.Errorf("thread %s: %w", args[0], campusflow.ErrCheckpointNotFound)
		}
		for _, cp := range checkpoints {
			s := cp.State
			color.Cyan("step %d  %s  next=%s", cp.Step, s.Status, s.NextNode)
			if s.PendingInterrupt != nil {
				color.Yellow("  awaiting approval for %s (token %s)", s.PendingInterrupt.Node, s.PendingInterrupt.Token)
			}
			if v, ok := s.Scratch[campusflow.ScratchKeyDegraded]; ok {
				fmt.Printf("  degraded: %v\n", v)
			}
			fmt.Printf("  %d messages, %d scratch keys\n", len(s.History), len(s.Scratch))
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <thread-id>",
	Short: "Show the step audit log of a thread, including guard actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		a, err := newApp(ctx, cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.steps.GetStepHistory(ctx, args[0])
		if err != nil {
			return err
		}
		if flagBool(cmd, "json") {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries (set step_log_dir in the config to record them).")
			return nil
		}
		for _, e := range entries {
			line := fmt.Sprintf("step %-3d %-18s -> %-18s %6.3fs", e.Step, e.Node, e.NextNode, e.Duration)
			switch {
			case e.Error != "":
				color.Red("%s  error: %s", line, e.Error)
			case e.Rejection != nil:
				color.Yellow("%s  rejected by %s: %s", line, e.Rejection.Guard, e.Rejection.Reason)
			case e.Paused:
				color.Yellow("%s  paused", line)
			default:
				fmt.Println(line)
			}
			for _, g := range e.Guards {
				fmt.Printf("    %s %s x%d %s\n", g.Guard, g.Action, g.Count, g.Detail)
			}
		}
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <thread-id> <step>",
	Short: "Restore a thread to the state it had after the given step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid step %q: %w", args[1], err)
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		a, err := newApp(ctx, cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.executor.Rollback(ctx, args[0], step)
		if err != nil {
			return err
		}
		color.Green("Thread %s restored to step %d as step %d", args[0], step, s.StepCount)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{threadsCmd, historyCmd, auditCmd, rollbackCmd} {
		cmd.Flags().DurationP("timeout", "t", 0, "Command timeout")
		rootCmd.AddCommand(cmd)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
