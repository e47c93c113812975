package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <remote-id>",
	Short: "Delete a confirmed record and incur the matching ledger debt",
	Long: `Delete a previously confirmed record from the remote store.

The record's prior point grant is retroactively cancelled by incurring
debt, which future grants pay down before adding to the total. Requires
connectivity.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[delete] ", log.LstdFlags)

		c, err := openCore(logger, nil)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		ctx := context.Background()
		c.probeOnce(ctx)

		if err := c.engine.DeleteRecord(ctx, args[0]); err != nil {
			fatal(err)
		}

		fmt.Printf("Deleted %s\n", args[0])
	},
}
