package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/operator/marketsync/internal/scheduler"
)

// schedulerCmd runs the singleton Scheduler process:
// cron/interval/delayed entries, leader-elected across
// any number of scheduler processes sharing one lease row.
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the cron/interval scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		tick, _ := cmd.Flags().GetDuration("tick")
		holderID, _ := cmd.Flags().GetString("id")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if holderID == "" {
			host, err := os.Hostname()
			if err != nil {
				host = "unknown-host"
			}
			holderID = fmt.Sprintf("scheduler-%s-%d", host, os.Getpid())
		}

		localLockPath := a.cfg.DataDir + "/scheduler.lock"
		sch := scheduler.New(scheduler.Config{
			Store: a.store, Queue: a.q, Log: a.log,
			LeaseName:     a.cfg.SchedulerLeaseName,
			HolderID:      holderID,
			LocalLockPath: localLockPath,

			CheckpointRetention: time.Duration(a.cfg.CheckpointRetainDays) * 24 * time.Hour,
		})
		for _, e := range schedulerEntries(a) {
			if err := sch.Register(e); err != nil {
				return fmt.Errorf("%w: registering schedule entry %s: %v", errConfig, e.Name, err)
			}
		}

		ctx, cancel := signalContext()
		defer cancel()

		a.log.Info("scheduler starting", "holder_id", holderID, "tick", tick)
		err = sch.Run(ctx, tick)
		return wrapRuntimeErr(err)
	},
}

func init() {
	schedulerCmd.Flags().Duration("tick", 10*time.Second, "how often to evaluate schedule entries and lease renewal")
	schedulerCmd.Flags().String("id", "", "leader-election holder identity (default: derived)")
	rootCmd.AddCommand(schedulerCmd)
}
