package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <thread-id>",
	Short: "Approve, reject or edit a paused thread's pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approval, err := approvalFromFlags(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		a, err := newApp(ctx, cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		start := time.Now()
		res, err := a.executor.Resume(ctx, args[0], approval)
		showResult(cmd, res, time.Since(start))
		return err
	},
}

func init() {
	resumeCmd.Flags().StringP("decision", "d", "accept", "Decision: accept, reject or edit")
	resumeCmd.Flags().String("token", "", "Interrupt token printed when the thread paused")
	resumeCmd.Flags().StringP("payload", "p", "", "Edited payload as a JSON object (with --decision edit)")
	resumeCmd.Flags().String("comment", "", "Reviewer comment")
	resumeCmd.Flags().DurationP("timeout", "t", 0, "Run timeout (e.g. 30s, 5m)")
	rootCmd.AddCommand(resumeCmd)
}

func approvalFromFlags(cmd *cobra.Command) (campusflow.Approval, error) {
	approval := campusflow.Approval{
		Decision: campusflow.Verdict(flagString(cmd, "decision")),
		Token:    flagString(cmd, "token"),
		Comment:  flagString(cmd, "comment"),
	}
	if payload := flagString(cmd, "payload"); payload != "" {
		if err := json.Unmarshal([]byte(payload), &approval.EditedPayload); err != nil {
			return approval, fmt.Errorf("invalid payload: %w", err)
		}
	}
	return approval, nil
}
