package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pourlog/pourlog/internal/config"
	"github.com/pourlog/pourlog/internal/daemon"
	"github.com/pourlog/pourlog/internal/dashboard"
	"github.com/pourlog/pourlog/internal/engine"
)

var daemonDashboardPort int

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run the long-running sync daemon.

The daemon:
  1. Watches the outbox directory for mutation deposits from the app
  2. Enqueues them into the durable pending queue
  3. Drains the queue on connectivity-restored events and periodically
  4. Optionally serves a WebSocket dashboard of sync activity`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fatal(err)
		}
		if daemonDashboardPort > 0 {
			cfg.Daemon.DashboardPort = daemonDashboardPort
		}

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if cfg.Daemon.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.Daemon.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			})
		}

		var events engine.Events
		if cfg.Daemon.DashboardPort > 0 {
			dash := dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Daemon.DashboardPort,
				Logger: logger,
			})
			if err := dash.Start(); err != nil {
				fatal(err)
			}
			defer func() {
				if err := dash.Stop(); err != nil {
					logger.Printf("Dashboard shutdown error: %v", err)
				}
			}()
			events = dashboard.NewHandler(dash, logger)
		}

		c, err := openCore(logger, events)
		if err != nil {
			fatal(err)
		}
		defer c.Close()

		d, err := daemon.NewWithConfig(c.engine, c.monitor, c.cfg.OutboxDir(), &daemon.Config{
			DrainInterval:    c.cfg.Daemon.DrainInterval,
			DebounceInterval: daemon.DefaultConfig().DebounceInterval,
			Logger:           logger,
		})
		if err != nil {
			fatal(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Run(ctx); err != nil {
			fatal(err)
		}
	},
}

func init() {
	daemonCmd.Flags().IntVar(&daemonDashboardPort, "dashboard-port", 0,
		"serve the WebSocket dashboard on this port (overrides config)")
}
