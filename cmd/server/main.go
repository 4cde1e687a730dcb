package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/growledge/trading-engine/internal/api"
	"github.com/growledge/trading-engine/internal/config"
	"github.com/growledge/trading-engine/internal/market"
	"github.com/growledge/trading-engine/internal/quotecache"
	"github.com/growledge/trading-engine/internal/trade"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "trading-engine",
		Short: "Virtual trading and portfolio simulation engine",
		Long: `trading-engine runs the paper-trading API: simulated buys and sells
against a per-user virtual cash ledger, priced from live or synthetic market data.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trading-engine version %s\n", version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(os.Stdout)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func reconcileCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "reconcile <userID>",
		Short: "Replay a user's trade log and compare it with the stored ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Stdout carries the JSON report only.
			cfg, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			st, cleanup, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			exec := trade.NewExecutor(st, trade.Options{StartingCash: cfg.StartingCash})
			rec, err := exec.Reconcile(ctx, args[0], repair)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rec); err != nil {
				return err
			}
			if !rec.Consistent && !rec.Repaired {
				return fmt.Errorf("ledger for %s disagrees with its trade log (rerun with --repair)", rec.UserID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Overwrite the stored ledger with the replayed one")
	return cmd
}

// setup loads the configuration and installs the JSON logger on logOut.
func setup(logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return cfg, nil
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Market data ---
	backend, closeBackend, err := openQuoteBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()
	cache := quotecache.New(backend, cfg.CacheTTLs(), nil)

	opts := market.Options{
		RatePerSecond: cfg.RatePerSecond,
		LiveTimeout:   cfg.LiveTimeout,
		Breaker:       market.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, nil),
	}
	if cfg.LiveConfigured() {
		opts.Live = market.NewBrokerClient(cfg.Broker, &http.Client{Timeout: cfg.LiveTimeout})
		slog.Info("live market data enabled", "url", cfg.Broker.BaseURL)
	} else {
		slog.Info("demo mode, serving synthetic market data")
	}
	provider := market.NewProvider(cache, market.NewSynthetic(cfg.Catalog, nil, nil), cfg.Catalog, opts)

	// --- WebSocket hub ---
	hub := api.NewWSHub()
	go hub.Run(ctx)

	// --- Trading ---
	exec := trade.NewExecutor(st, trade.Options{
		StartingCash: cfg.StartingCash,
		Notifier:     hub,
	})
	perf := trade.NewAggregator(provider, exec, exec.StartingCash(), nil)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(api.NewHandler(exec, perf, provider, hub, nil)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("trading-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("trading-engine stopped")
	return nil
}
