package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending queue now",
	Long: `Attempt to confirm every pending mutation against the remote store.

Mutations are processed in FIFO order. Confirmed writes are removed from
the queue and earn ledger points; transient failures stay queued for the
next drain; permanent rejections and retry-exhausted mutations are
quarantined (see 'plg failed').`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)

		c, err := openCore(logger, nil)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		ctx := context.Background()
		c.probeOnce(ctx)
		if !c.monitor.IsOnline() {
			fmt.Println("Offline: nothing drained")
			return
		}

		start := time.Now()
		result, err := c.engine.Drain(ctx)
		if err != nil {
			fatal(err)
		}

		fmt.Printf("Drain complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Synced:        %d\n", result.Synced)
		fmt.Printf("   Still pending: %d\n", result.StillPending)
		fmt.Printf("   Quarantined:   %d\n", result.Quarantined)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current sync status",
	Long: `Display the aggregated sync status and its underlying counts.

The status is one of offline, syncing, failed(n), pending(n), or synced,
with that precedence.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[status] ", log.LstdFlags)

		c, err := openCore(logger, nil)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		ctx := context.Background()
		c.probeOnce(ctx)

		detail, err := c.engine.Status(ctx)
		if err != nil {
			fatal(err)
		}

		fmt.Printf("Status: %s\n", detail)
		fmt.Printf("   Online:  %v\n", detail.Online)
		fmt.Printf("   Pending: %d\n", detail.PendingCount)
		fmt.Printf("   Failed:  %d\n", detail.FailedCount)
		fmt.Printf("   Data:    %s\n", c.cfg.DBPath())
	},
}
