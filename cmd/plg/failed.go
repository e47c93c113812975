package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Manage quarantined mutations",
	Long: `Inspect and act on mutations that exhausted their retry budget.

Quarantined mutations never retry on their own: requeue them to give them
a fresh retry budget, or discard them to drop them permanently.`,
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined mutations",
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[failed] ", log.LstdFlags)

		c, err := openCore(logger, nil)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		failed, err := c.failed.List(context.Background())
		if err != nil {
			fatal(err)
		}

		if len(failed) == 0 {
			fmt.Println("No quarantined mutations")
			return
		}

		for _, f := range failed {
			fmt.Printf("%s  %s  retries=%d  %s\n", f.LocalID, f.FailedAt.Format("2006-01-02 15:04:05"), f.RetryCount, f.LastError)
		}
		fmt.Printf("\n%d quarantined mutation(s)\n", len(failed))
	},
}

var failedRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move all quarantined mutations back to the pending queue",
	Long: `Move every quarantined mutation back to the pending queue.

Requeued mutations get a fresh retry budget (retry count reset to zero,
errors cleared) and are attempted on the next drain.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[failed] ", log.LstdFlags)

		c, err := openCore(logger, nil)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		moved, err := c.engine.RequeueFailed(context.Background())
		if err != nil {
			fatal(err)
		}

		fmt.Printf("Requeued %d mutation(s)\n", moved)
	},
}

var failedDiscardAll bool

var failedDiscardCmd = &cobra.Command{
	Use:   "discard [local-id]",
	Short: "Permanently drop quarantined mutations",
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[failed] ", log.LstdFlags)

		c, err := openCore(logger, nil)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		ctx := context.Background()

		if failedDiscardAll {
			dropped, err := c.engine.DiscardAllFailed(ctx)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("Discarded %d mutation(s)\n", dropped)
			return
		}

		if len(args) != 1 {
			fatal(fmt.Errorf("provide a local id or --all"))
		}
		if err := c.engine.DiscardFailed(ctx, args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("Discarded %s\n", args[0])
	},
}

func init() {
	failedDiscardCmd.Flags().BoolVar(&failedDiscardAll, "all", false, "discard every quarantined mutation")

	failedCmd.AddCommand(failedListCmd)
	failedCmd.AddCommand(failedRequeueCmd)
	failedCmd.AddCommand(failedDiscardCmd)
}
