package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pourlog/pourlog/internal/mutation"
)

var (
	enqueueItem     string
	enqueueVolume   float64
	enqueueABV      float64
	enqueueGrams    int
	enqueueGrouping string
	enqueueApproved bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a consumption event for sync",
	Long: `Queue a consumption event as a pending mutation.

The event is stored durably and confirmed against the remote store on the
next drain; ledger points are granted only once the write is confirmed.
Guest sessions cannot enqueue.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[enqueue] ", log.LstdFlags)

		c, err := openCore(logger, nil)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		status := mutation.StatusPendingApproval
		if enqueueApproved {
			status = mutation.StatusApproved
		}

		m := mutation.New(enqueueGrouping, c.cfg.Subject.ID, mutation.Payload{
			ItemRef:       enqueueItem,
			VolumeML:      enqueueVolume,
			ABV:           enqueueABV,
			ConsumedGrams: enqueueGrams,
		}, status)

		if err := c.engine.Enqueue(context.Background(), m); err != nil {
			fatal(err)
		}

		fmt.Printf("Enqueued %s\n", m.LocalID)
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueItem, "item", "", "item reference (required)")
	enqueueCmd.Flags().Float64Var(&enqueueVolume, "volume", 0, "volume in milliliters (required)")
	enqueueCmd.Flags().Float64Var(&enqueueABV, "abv", 0, "alcohol by volume as a fraction, e.g. 0.052")
	enqueueCmd.Flags().IntVar(&enqueueGrams, "grams", 0, "derived consumed grams")
	enqueueCmd.Flags().StringVar(&enqueueGrouping, "grouping", "default", "event/session the write belongs to")
	enqueueCmd.Flags().BoolVar(&enqueueApproved, "approved", false, "mark the record approved instead of pending approval")

	_ = enqueueCmd.MarkFlagRequired("item")
	_ = enqueueCmd.MarkFlagRequired("volume")
}
