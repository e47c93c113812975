// Command plg is the pourlog sync daemon and its management CLI.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pourlog/pourlog/internal/auth"
	"github.com/pourlog/pourlog/internal/config"
	"github.com/pourlog/pourlog/internal/engine"
	"github.com/pourlog/pourlog/internal/ledger"
	"github.com/pourlog/pourlog/internal/netmon"
	"github.com/pourlog/pourlog/internal/queue"
	"github.com/pourlog/pourlog/internal/remote"
	"github.com/pourlog/pourlog/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "plg",
	Short: "Offline-first consumption log sync",
	Long: `plg manages the local consumption-event queue and its synchronization
with the remote record store.

Writes committed while offline are queued durably, drained to the remote
when connectivity returns, and earn ledger points only once confirmed.
Writes that exhaust their retry budget are quarantined for manual action.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default: ./pourlog.yaml or ~/.pourlog/pourlog.yaml)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(failedCmd)
	rootCmd.AddCommand(ledgerCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// core bundles the wired-up components behind the CLI commands.
type core struct {
	cfg     *config.Config
	db      *store.DB
	pending *queue.Store
	failed  *queue.Quarantine
	ledger  *ledger.Ledger
	client  *remote.Client
	monitor *netmon.Monitor
	probe   netmon.Probe
	engine  *engine.Engine
}

// openCore loads configuration and constructs the component graph.
// The caller must call Close when done.
func openCore(logger *log.Logger, events engine.Events) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	client := remote.NewClient(cfg.Remote.BaseURL, nil, logger)

	var accounts ledger.Store
	if cfg.Ledger.Backend == "remote" {
		accounts = remote.NewLedgerStore(client)
	} else {
		accounts = ledger.NewSQLiteStore(db)
	}

	probe := netmon.HTTPProbe(cfg.Remote.ProbeURL, 0)
	monitor := netmon.New(probe, cfg.Remote.ProbeInterval, logger)

	pending := queue.NewStore(db)
	failed := queue.NewQuarantine(db)
	led := ledger.New(accounts, logger)

	eng, err := engine.New(engine.Config{
		Pending: pending,
		Failed:  failed,
		Ledger:  led,
		Remote:  client,
		Conn:    monitor,
		Auth: auth.StaticProvider{Session: auth.Session{
			SubjectID: cfg.Subject.ID,
			Guest:     cfg.Subject.Guest,
		}},
		Events: events,
		Logger: logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &core{
		cfg:     cfg,
		db:      db,
		pending: pending,
		failed:  failed,
		ledger:  led,
		client:  client,
		monitor: monitor,
		probe:   probe,
		engine:  eng,
	}, nil
}

// probeOnce observes connectivity synchronously, for one-shot commands that
// don't run the monitor's poll loop.
func (c *core) probeOnce(ctx context.Context) {
	c.monitor.SetOnline(c.probe(ctx))
}

// Close releases the core's resources.
func (c *core) Close() {
	if err := c.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// fatal prints the error and exits, the way every plg command reports
// failure.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
