package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/backwatch/backwatch/internal/api"
	"github.com/backwatch/backwatch/internal/config"
	"github.com/backwatch/backwatch/internal/logging"
	"github.com/backwatch/backwatch/internal/notify"
	"github.com/backwatch/backwatch/internal/poller"
	"github.com/backwatch/backwatch/internal/reconcile"
	"github.com/backwatch/backwatch/internal/store"
	"github.com/backwatch/backwatch/internal/thresholds"
	"github.com/backwatch/backwatch/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "backwatch",
	Short:   "Backwatch - backup status aggregation for virtualization infrastructure",
	Long:    `Backwatch polls hypervisor clusters and backup servers, merges their backup and snapshot inventory into one live view, and serves it over HTTP and websocket.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Backwatch %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logging so config load failures are visible.
	logging.Init(logging.Config{Format: "auto", Level: "info"})

	// Optional .env for development setups; absence is normal.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{Format: "auto", Level: cfg.LogLevel})

	api.Version = Version
	log.Info().Str("version", Version).Msg("Starting backwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataPath, 0700); err != nil {
		log.Fatal().Err(err).Str("path", cfg.DataPath).Msg("Cannot create data directory")
	}

	thresholdStore, err := thresholds.Open(thresholds.DefaultPath(cfg.DataPath))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open threshold store")
	}
	defer thresholdStore.Close()

	stateStore := store.New()
	reconciler := reconcile.New(stateStore, thresholdStore)

	hub := websocket.NewHub(stateStore.Current)
	go hub.Run(ctx)

	notifier := notify.New(stateStore, hub, cfg.Debounce())
	reconciler.OnPublish(notifier.StateChanged)
	go reconciler.Run(ctx)

	p := poller.New(reconciler, cfg.StalenessCycles, nil)
	p.Start(ctx, cfg)

	reload := func(next *config.Config) {
		p.Reload(next)
	}
	router := api.NewRouter(cfg, stateStore, thresholdStore, hub, reload, reconciler.Trigger, nil)

	// File edits bypass the API, so the router's view of the config has
	// to be swapped alongside the poller's.
	watchReload := func(next *config.Config) {
		reload(next)
		router.SetConfig(next)
	}
	if err := config.Watch(ctx, cfg.DataPath, watchReload); err != nil {
		log.Warn().Err(err).Msg("Settings file watch unavailable, edits require the API or a restart")
	}

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	p.Stop(10 * time.Second)
	notifier.Flush()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
	log.Info().Msg("Shutdown complete")
}
