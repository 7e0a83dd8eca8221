package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/api"
	"apiagg/internal/storage"
	"apiagg/internal/warm"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP API server",
	Long: `Start the apiagg HTTP API server. GET /api/aggregation?query=... fans the
query out to every configured source and returns the merged records.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default: server.port)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default: server.host)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}

	lf, err := newLoggerFactory(cfg, os.Stderr, true)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer lf.Close()
	logger := lf.Root()

	metrics := api.NewMetricsCollector()
	recorders := aggregator.Recorders{metrics}

	var db *storage.DB
	var fetchRec *storage.Recorder
	if cfg.Storage.Enabled {
		db, err = storage.Open(cfg.Storage.Path, lf.For("storage"))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer db.Close()
		fetchRec = storage.NewRecorder(db, storage.RecorderOptions{
			Retention: cfg.Storage.Retention,
			Logger:    lf.For("storage"),
		})
		defer fetchRec.Close()
		recorders = append(recorders, fetchRec)
	}

	agg, err := newAggregator(cfg, lf, recorders)
	if err != nil {
		return err
	}
	defer agg.Close()

	var sched *warm.Scheduler
	if cfg.Warm.Enabled {
		sched, err = warm.New(cfg.Warm, agg, lf.For("warm"))
		if err != nil {
			return fmt.Errorf("warm scheduler: %w", err)
		}
		sched.Start()
		defer func() {
			if err := sched.Stop(shutdownTimeout); err != nil {
				logger.Warn("Warm scheduler did not stop cleanly", "error", err)
			}
		}()
	}

	opts := api.Options{
		Addr:       cfg.Server.Addr(),
		Aggregator: agg,
		Warmer:     sched,
		Metrics:    metrics,
		RateLimit:  cfg.RateLimit,
		Logger:     lf.For("api"),
	}
	if db != nil {
		opts.Stats = db
	}
	server, err := api.NewServer(opts)
	if err != nil {
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	serverErr := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "apiagg listening on http://%s\n", cfg.Server.Addr())
		fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
	case sig := <-shutdown:
		logger.Info("Received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Error during shutdown", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")
	}

	if fetchRec != nil && fetchRec.Dropped() > 0 {
		logger.Warn("Fetch telemetry events were dropped", "dropped", fetchRec.Dropped())
	}
	return nil
}
