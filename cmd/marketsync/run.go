package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/sync"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/worker"
)

// runCmd drives a one-shot sync from the foreground: it creates a
// SyncRun, enqueues the driving task, then runs an inline worker pool
// bound to the data_sync/crawler/image queues until the run reaches a
// terminal RunStatus or the process receives a shutdown signal: one
// command that both submits and waits on its own unit of work.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a product/supplier sync and wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")
		kindFlag, _ := cmd.Flags().GetString("kind")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		sinceFlag, _ := cmd.Flags().GetString("since")

		var dateFrom time.Time
		if sinceFlag != "" {
			parsed, err := parseSince(sinceFlag)
			if err != nil {
				return fmt.Errorf("%w: --since %q: %v", errUsage, sinceFlag, err)
			}
			dateFrom = parsed
		}

		kind := types.SyncKindProduct
		taskName := "sync.products"
		switch kindFlag {
		case "product", "":
		case "supplier":
			kind = types.SyncKindSupplier
			taskName = "sync.suppliers"
		default:
			return fmt.Errorf("%w: --kind must be product or supplier, got %q", errUsage, kindFlag)
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		taskID := uuid.NewString()
		run := &types.SyncRun{
			TaskID:         taskID,
			TaskName:       taskName,
			OperationType:  types.OpManual,
			SyncKind:       kind,
			Status:         types.RunPending,
			StartedAt:      time.Now(),
			ConfigSnapshot: map[string]string{"category": category},
		}
		if err := a.store.CreateSyncRun(ctx, run); err != nil {
			return fmt.Errorf("%w: creating sync run: %v", errConfig, err)
		}

		syncArgs := sync.Args{
			TaskID: taskID,
			Filter: sync.SourceFilter{Category: category, DateFrom: dateFrom},
			Limit:  limit,
		}
		if _, err := a.q.Enqueue(ctx, queue.EnqueueArgs{
			TaskName: taskName,
			Args:     syncArgs,
			Queue:    queue.DataSync,
			Priority: types.PriorityHigh,
			WorkID:   taskID,
		}); err != nil {
			return fmt.Errorf("%w: enqueueing sync: %v", errConfig, err)
		}

		pool := worker.New(worker.Config{
			Store: a.store, Queue: a.q, Registry: a.reg, Log: a.log,
			Queues: []string{queue.DataSync, queue.Crawler, queue.Image},
			WorkerID: "run-" + taskID, LeaseTTL: a.cfg.LeaseTTL(), Concurrency: concurrency,
			Observe: a.sup.RecordOutcome, Notify: a.notifyHub,
		})
		return waitForRun(ctx, cmd, a, pool, taskID)
	},
}

// waitForRun runs pool against a cancellable child context and polls
// the SyncRun until it reaches a terminal status, printing progress
// lines.
func waitForRun(ctx context.Context, cmd *cobra.Command, a *app, pool *worker.Pool, taskID string) error {
	poolCtx, poolCancel := context.WithCancel(ctx)
	defer poolCancel()

	done := make(chan error, 1)
	go func() { done <- pool.Run(poolCtx) }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			poolCancel()
			<-done
			return wrapRuntimeErr(ctx.Err())
		case <-ticker.C:
			run, err := a.store.GetSyncRun(ctx, taskID)
			if err != nil || run == nil {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status=%s progress=%d%% processed=%d/%d success=%d failed=%d skipped=%d\n",
				run.Status, run.Progress, run.Counters.Processed, run.Counters.Total, run.Counters.Success, run.Counters.Failed, run.Counters.Skipped)
			switch run.Status {
			case types.RunCompleted:
				poolCancel()
				<-done
				return nil
			case types.RunFailed, types.RunCancelled:
				poolCancel()
				<-done
				return fmt.Errorf("sync run %s ended with status %s", taskID, run.Status)
			}
		}
	}
}

// parseSince accepts either an RFC 3339 / date-only timestamp or a
// natural-language phrase ("3 days ago", "last monday") for the --since
// filter.
func parseSince(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(raw, time.Now())
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time expression")
	}
	return r.Time, nil
}

func init() {
	runCmd.Flags().String("category", "", "restrict the sync to one source category")
	runCmd.Flags().String("since", "", "only records changed since this time (RFC 3339 or e.g. \"3 days ago\")")
	runCmd.Flags().Int("limit", 0, "cap the number of records processed (0 = unlimited)")
	runCmd.Flags().String("kind", "product", "product or supplier")
	runCmd.Flags().Int("concurrency", 0, "worker pool concurrency (0 = default)")
	rootCmd.AddCommand(runCmd)
}
