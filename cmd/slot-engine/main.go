/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the slot allocation engine: serves the HTTP API,
  migrates storage, seeds demo scenarios and runs the occupancy audit.

COMMANDS:
  serve     HTTP server plus the periodic audit
  migrate   Create tables (idempotent)
  seed      Reset the store and load a demo scenario
  audit     Run the occupancy audit once; exits non-zero on drift

CONFIGURATION:
  Environment variables or a .env file in the working directory, see
  config/config.go. STORE_DRIVER picks sqlite (default), postgres or memory.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close the store

EXAMPLES:
  STORE_DRIVER=memory slot-engine serve
  slot-engine seed --scenario clinic-day --date 2025-03-10
  DATABASE_URL=postgres://... STORE_DRIVER=postgres slot-engine migrate

SEE ALSO:
  - api/server.go: Router configuration
  - store.go: Store selection
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/slot-engine/allocation"
	"github.com/warp/slot-engine/api"
	"github.com/warp/slot-engine/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "slot-engine",
		Short:        "Capacity-aware appointment slot allocation",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), seedCmd(), auditCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Schema ready (%s).\n", cfg.StoreDriver)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Reset the store and load a demo scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, _ := cmd.Flags().GetString("scenario")
			rawDate, _ := cmd.Flags().GetString("date")

			date := time.Now().UTC()
			if rawDate != "" {
				var err error
				if date, err = time.Parse("2006-01-02", rawDate); err != nil {
					return fmt.Errorf("invalid --date %q: use YYYY-MM-DD", rawDate)
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			h := newHandler(cfg, st.TxStore)
			loaded, err := h.Seed(cmd.Context(), scenario, date)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s for %s into %s.\n", loaded.ID, date.Format("2006-01-02"), cfg.StoreDriver)
			return nil
		},
	}
	cmd.Flags().String("scenario", "clinic-day", "Scenario id (clinic-day, full-slot, last-seat)")
	cmd.Flags().String("date", "", "Service date as YYYY-MM-DD (default today, UTC)")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare every slot's occupancy with its booked count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := allocation.NewAuditor(st.TxStore, cfg.NewLogger()).Audit(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Consistent() {
				return fmt.Errorf("%d slot(s) with occupancy drift", len(report.Discrepancies))
			}
			return nil
		},
	}
}

// newHandler builds the API handler with the configured service day.
func newHandler(cfg *config.Config, st allocation.TxStore) *api.Handler {
	h := api.NewHandler(st, cfg.NewLogger())
	h.ServiceDay.StartHour = cfg.ServiceDayStartHour
	h.ServiceDay.EndHour = cfg.ServiceDayEndHour
	h.ServiceDay.Capacity = cfg.DefaultCapacity
	return h
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer st.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	h := newHandler(cfg, st.TxStore)
	router := api.NewRouter(h, api.RouterOptions{
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	scheduler := api.NewAuditScheduler(h.Auditor, logger, cfg.AuditInterval)
	h.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
