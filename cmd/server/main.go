/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the SiteWise time-clock engine. Handles
  configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve    Run the HTTP server with the sweep scheduler
  sweep    Run one auto-clockout sweep pass and exit

STARTUP SEQUENCE (serve):
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Create API handler with dependencies
  4. Configure HTTP router
  5. Start sweep scheduler
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server serve --db=./data/timeclock.db

  # Run with in-memory database on another port
  ./server serve --db=:memory: --port=3000

  # Preview what the sweep would close
  ./server sweep --db=./data/timeclock.db --dry-run

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitewise/timeclock-engine/api"
	"github.com/sitewise/timeclock-engine/clock"
	"github.com/sitewise/timeclock-engine/store/sqlite"
)

var (
	flagPort          int
	flagDB            string
	flagMaxShift      time.Duration
	flagAutoClockout  time.Duration
	flagRetention     time.Duration
	flagSweepInterval time.Duration
	flagPauseClockIn  bool
	flagDryRun        bool
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "SiteWise time-clock engine",
	Long: `Field-workforce time tracking: geofenced clock-in/clock-out,
exception tagging, bulk approval, and atomic invoice locking.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one auto-clockout sweep pass and exit",
	RunE:  runSweep,
}

func init() {
	for _, c := range []*cobra.Command{serveCmd, sweepCmd} {
		c.Flags().StringVar(&flagDB, "db", "timeclock.db", "SQLite database path (\":memory:\" for in-memory)")
		c.Flags().DurationVar(&flagMaxShift, "max-shift", 12*time.Hour, "Duration above which a shift is tagged overlong")
		c.Flags().DurationVar(&flagAutoClockout, "auto-clockout-after", 12*time.Hour, "Open-entry ceiling before the sweep force-closes")
		c.Flags().DurationVar(&flagRetention, "event-retention", 48*time.Hour, "How long idempotency records are kept")
	}
	serveCmd.Flags().IntVar(&flagPort, "port", 8080, "HTTP server port")
	serveCmd.Flags().DurationVar(&flagSweepInterval, "sweep-interval", 15*time.Minute, "How often the scheduler sweeps")
	serveCmd.Flags().BoolVar(&flagPauseClockIn, "pause-clock-in", false, "Reject new clock-ins (emergency switch)")
	sweepCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "List candidates without closing anything")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}

func engineConfig() clock.Config {
	return clock.Config{
		MaxShift:          flagMaxShift,
		AutoClockoutAfter: flagAutoClockout,
		EventRetention:    flagRetention,
		ClockInPaused:     flagPauseClockIn,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	store, err := sqlite.New(flagDB)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	handler := api.NewHandler(store, store, clock.StaticConfig(engineConfig()))
	router := api.NewRouter(handler)

	scheduler := api.NewSweepScheduler(handler.Sweeper)
	scheduler.CheckInterval = flagSweepInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", flagPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", flagPort)
		log.Printf("API available at http://localhost:%d/api", flagPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	store, err := sqlite.New(flagDB)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	sweeper := clock.NewSweeper(store, clock.StaticConfig(engineConfig()))
	result, err := sweeper.Run(context.Background(), flagDryRun)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	verb := "closed"
	if result.DryRun {
		verb = "would close"
	}
	fmt.Printf("Sweep %s %d entries", verb, result.ProcessedCount)
	if result.PurgedEvents > 0 {
		fmt.Printf(", purged %d events", result.PurgedEvents)
	}
	fmt.Println()
	for _, e := range result.Entries {
		fmt.Printf("  %s worker=%s job=%s open since %s\n",
			e.EntryID, e.WorkerID, e.JobID, e.ClockInAt.Format(time.RFC3339))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
