package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/operator/marketsync/internal/httpapi"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/worker"
)

// workerCmd runs a long-lived worker pool bound to a configurable
// queue subset until a shutdown signal arrives, optionally serving the
// admin API alongside it.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker pool leasing from one or more queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		queueNames, _ := cmd.Flags().GetStringSlice("queue")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		workerID, _ := cmd.Flags().GetString("id")
		apiAddr, _ := cmd.Flags().GetString("api")

		if len(queueNames) == 0 {
			queueNames = queue.AllQueues
		}
		for _, q := range queueNames {
			if !isKnownQueue(q) {
				return fmt.Errorf("%w: unknown queue %q", errUsage, q)
			}
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if workerID == "" {
			host, err := os.Hostname()
			if err != nil {
				host = "unknown-host"
			}
			workerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
		}

		pool := worker.New(worker.Config{
			Store: a.store, Queue: a.q, Registry: a.reg, Log: a.log,
			Queues: queueNames, WorkerID: workerID,
			LeaseTTL: a.cfg.LeaseTTL(), Concurrency: concurrency,
			Observe:  a.sup.RecordOutcome,
			Notify:   a.notifyHub,
		})

		ctx, cancel := signalContext()
		defer cancel()

		go func() { _ = a.sup.Run(ctx, 15*time.Second) }()

		if apiAddr != "" {
			api := httpapi.New(httpapi.Config{Store: a.store, Queue: a.q, Supervisor: a.sup, Hub: a.hub, Log: a.log})
			srv := &http.Server{Addr: apiAddr, Handler: api.Handler()}
			go func() {
				a.log.Info("admin api listening", "addr", apiAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					a.log.Error("admin api server failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		a.log.Info("worker pool starting", "worker_id", workerID, "queues", queueNames)
		err = pool.Run(ctx)
		pool.Wait()
		return wrapRuntimeErr(err)
	},
}

func isKnownQueue(name string) bool {
	for _, q := range queue.AllQueues {
		if q == name {
			return true
		}
	}
	return false
}

func init() {
	workerCmd.Flags().StringSlice("queue", nil, "queues to lease from (default: all)")
	workerCmd.Flags().Int("concurrency", 0, "bounded concurrency (0 = default)")
	workerCmd.Flags().String("id", "", "worker identity used for lease ownership (default: derived)")
	workerCmd.Flags().String("api", ":8380", "admin API listen address (empty disables)")
	rootCmd.AddCommand(workerCmd)
}
