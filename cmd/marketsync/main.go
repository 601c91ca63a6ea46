// Command marketsync synchronizes product and supplier catalogs from a
// B2B marketplace source into a local canonical store, following the
// worker-pool/scheduler/admin-surface architecture of internal/worker,
// internal/scheduler, and internal/httpapi.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
