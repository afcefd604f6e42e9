package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [thread-id] <message>",
	Short: "Send a message to a thread and run it until it ends or pauses",
	Long: `Send a message to a thread. With a single argument a new thread is created
and its id printed. An empty message continues an unfinished thread.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, message := campusflow.NewThreadID(), args[0]
		if len(args) == 2 {
			threadID, message = args[0], args[1]
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		a, err := newApp(ctx, cmd, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		var input *campusflow.Update
		if strings.TrimSpace(message) != "" {
			input = campusflow.Input(message)
		}
		start := time.Now()
		res, err := a.executor.Invoke(ctx, threadID, input)
		showResult(cmd, res, time.Since(start))
		return err
	},
}

func init() {
	runCmd.Flags().DurationP("timeout", "t", 0, "Run timeout (e.g. 30s, 5m)")
	rootCmd.AddCommand(runCmd)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func showResult(cmd *cobra.Command, res *campusflow.Result, duration time.Duration) {
	if res == nil {
		return
	}
	if flagBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
		return
	}

	color.Cyan("Thread: %s", res.ThreadID)
	if res.State != nil {
		for _, m := range newMessages(res) {
			printMessage(m.Role, m.Node, m.Content)
		}
	}
	switch res.Status {
	case campusflow.StatusPaused:
		color.Yellow("Paused before %s (token %s)", res.Interrupt.Node, res.Interrupt.Token)
		fmt.Printf("  resume with: campusflow resume %s --token %s --decision accept|reject|edit\n",
			res.ThreadID, res.Interrupt.Token)
	case campusflow.StatusDone:
		if res.Rejection != nil {
			color.Yellow("Blocked by %s guard: %s", res.Rejection.Guard, res.Rejection.Reason)
		}
		color.Green("Done in %d steps (%v)", res.Steps, duration.Round(time.Millisecond))
	case campusflow.StatusFailed:
		if res.Err != nil {
			color.Red("Failed: %s (retry: %s)", res.Err.Error(), res.Err.Retry)
		}
	}
}

// newMessages returns the messages added since the last user input
func newMessages(res *campusflow.Result) []messageView {
	history := res.State.History
	start := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			start = i + 1
			break
		}
	}
	out := make([]messageView, 0, len(history)-start)
	for _, m := range history[start:] {
		out = append(out, messageView{Role: m.Role, Node: m.Node, Content: m.Content})
	}
	return out
}

type messageView struct {
	Role    string
	Node    string
	Content string
}

func printMessage(role, node, content string) {
	switch {
	case role == "user":
		color.White("> %s", content)
	case strings.HasPrefix(node, "guard:"):
		color.Yellow("[%s] %s", node, content)
	default:
		color.Magenta("[%s]", node)
		fmt.Println(content)
	}
}
