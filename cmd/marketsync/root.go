package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/operator/marketsync/internal/config"
	"github.com/operator/marketsync/internal/errs"
)

// errUsage/errConfig classify a command failure for exitCodeFor without
// forcing every subcommand to call os.Exit itself.
var (
	errUsage  = errors.New("usage error")
	errConfig = errors.New("configuration error")
)

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	case errors.Is(err, errConfig):
		return 3
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 4
	}
}

var rootCmd = &cobra.Command{
	Use:           "marketsync",
	Short:         "Synchronize a marketplace's products and suppliers into a local catalog",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, the
// interrupt path exit code 130 corresponds to.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadConfig wraps config.Load, wrapping any failure as a configuration
// error for exitCodeFor.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	return cfg, nil
}

// wrapRuntimeErr classifies a handler-layer failure: cancellation maps
// to the interrupted exit code, everything else is a runtime error.
func wrapRuntimeErr(err error) error {
	if err == nil {
		return nil
	}
	if errs.ClassOf(err) == errs.ClassCancelled {
		return fmt.Errorf("%w: %v", context.Canceled, err)
	}
	return err
}
