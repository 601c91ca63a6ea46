package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/operator/marketsync/internal/cliui"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/types"
)

// statusCmd prints a one-shot snapshot of queue depths and active sync
// runs. It queries storage.Storage directly rather
// than running the Supervisor's polling loop, since a single snapshot
// doesn't need the rolling throughput window a long-lived process
// maintains.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print queue depths and active sync run status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		report := cliui.StatusReport{
			QueueDepths: make(map[string]map[string]int),
		}
		for _, qn := range queue.AllQueues {
			byPriority, err := a.store.QueueDepth(ctx, qn)
			if err != nil {
				continue
			}
			labels := make(map[string]int, len(byPriority))
			for p, n := range byPriority {
				labels[priorityLabel(p)] = n
			}
			report.QueueDepths[qn] = labels
		}

		runs, err := a.store.ListActiveSyncRuns(ctx)
		if err != nil {
			return fmt.Errorf("%w: listing active sync runs: %v", errConfig, err)
		}
		report.ActiveRuns = len(runs)
		var recommendations []string
		for _, r := range runs {
			if r.Status == types.RunRunning {
				report.Leased++
			}
			report.Events = append(report.Events, fmt.Sprintf("%s: %s (%d%%)", r.TaskID, r.Status, r.Progress))
			for _, rec := range r.Recommendations {
				recommendations = append(recommendations, fmt.Sprintf("**%s**: %s", r.TaskID, rec))
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), cliui.Render(report, 100))
		if len(recommendations) > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), cliui.RenderMarkdown(strings.Join(recommendations, "\n\n"), 100))
		}
		return nil
	},
}

func priorityLabel(p types.Priority) string {
	switch p {
	case types.PriorityLow:
		return "low"
	case types.PriorityNormal:
		return "normal"
	case types.PriorityHigh:
		return "high"
	case types.PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("p%d", int(p))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
