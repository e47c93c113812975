package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pourlog/pourlog/internal/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect ledger accounts",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show [subject-id]",
	Short: "Show a subject's points, debt, and level",
	Long: `Show a subject's ledger account.

Defaults to the configured subject when no subject id is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[ledger] ", log.LstdFlags)

		c, err := openCore(logger, nil)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		subjectID := c.cfg.Subject.ID
		if len(args) == 1 {
			subjectID = args[0]
		}
		if subjectID == "" {
			fatal(fmt.Errorf("no subject id configured; pass one explicitly"))
		}

		account, err := c.ledger.GetAccount(context.Background(), subjectID)
		if err != nil {
			fatal(err)
		}

		level := account.Level()
		fmt.Printf("Subject: %s\n", account.SubjectID)
		fmt.Printf("   Points: %d\n", account.TotalPoints)
		fmt.Printf("   Debt:   %d\n", account.DebtPoints)
		fmt.Printf("   Level:  %d\n", level)
		if next, ok := ledger.NextThreshold(level); ok {
			fmt.Printf("   Next level at %d points (%d to go)\n", next, next-account.TotalPoints)
		}
	},
}

var ledgerResetCmd = &cobra.Command{
	Use:   "reset <subject-id>",
	Short: "Zero a subject's points and debt",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[ledger] ", log.LstdFlags)

		c, err := openCore(logger, nil)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		if err := c.ledger.Reset(context.Background(), args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("Reset account for %s\n", args[0])
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerResetCmd)
}
