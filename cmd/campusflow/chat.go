package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [thread-id]",
	Short: "Chat with the assistant interactively",
	Long: `Start an interactive session on a thread. When a gated node pauses the
thread you are asked to accept, reject or edit the pending action. Type
"exit" to leave.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID := campusflow.NewThreadID()
		if len(args) == 1 {
			threadID = args[0]
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		reg := prometheus.NewRegistry()
		a, err := newApp(ctx, cmd, reg)
		if err != nil {
			return err
		}
		defer a.Close()

		if addr := flagString(cmd, "metrics-addr"); addr != "" {
			srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					color.Red("metrics server: %v", err)
				}
			}()
			defer srv.Close()
			color.Blue("Metrics: http://%s/metrics", addr)
		}

		color.Cyan("Thread %s. Type 'exit' to quit.", threadID)
		reader := bufio.NewReader(os.Stdin)
		prompt := func(label string) (string, bool) {
			fmt.Print(label)
			text, err := reader.ReadString('\n')
			if err != nil && text == "" {
				return "", false
			}
			return strings.TrimSpace(text), true
		}

		for {
			text, ok := prompt("> ")
			if !ok || text == "exit" || text == "quit" {
				fmt.Println("Bye!")
				return nil
			}
			if text == "" {
				continue
			}
			start := time.Now()
			res, err := a.executor.Invoke(ctx, threadID, campusflow.Input(text))
			showResult(cmd, res, time.Since(start))
			for err == nil && res.Status == campusflow.StatusPaused {
				approval, ok := askApproval(prompt, res.Interrupt)
				if !ok {
					return nil
				}
				start = time.Now()
				res, err = a.executor.Resume(ctx, threadID, approval)
				showResult(cmd, res, time.Since(start))
			}
			if err != nil && !campusflow.IsKind(err, campusflow.KindInterrupt) {
				color.Red("%v", err)
			}
		}
	},
}

func askApproval(prompt func(string) (string, bool), intr *campusflow.Interrupt) (campusflow.Approval, bool) {
	for {
		answer, ok := prompt(fmt.Sprintf("Run %s? [a]ccept / [r]eject / [e]dit: ", intr.Node))
		if !ok {
			return campusflow.Approval{}, false
		}
		approval := campusflow.Approval{Token: intr.Token}
		switch strings.ToLower(answer) {
		case "a", "accept", "y", "yes":
			approval.Decision = campusflow.DecisionAccept
		case "r", "reject", "n", "no":
			approval.Decision = campusflow.DecisionReject
			approval.Comment, _ = prompt("Reason (optional): ")
		case "e", "edit":
			approval.Decision = campusflow.DecisionEdit
			text, ok := prompt("Replacement instruction: ")
			if !ok {
				return campusflow.Approval{}, false
			}
			approval.EditedPayload = map[string]any{"instruction": text}
		default:
			continue
		}
		return approval, true
	}
}

func init() {
	chatCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(chatCmd)
}
