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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aegis-siem/aegis/internal/config"
	"github.com/aegis-siem/aegis/internal/logging"
	"github.com/aegis-siem/aegis/internal/server/anomaly"
	"github.com/aegis-siem/aegis/internal/server/api"
	"github.com/aegis-siem/aegis/internal/server/auth"
	"github.com/aegis-siem/aegis/internal/server/correlation"
	"github.com/aegis-siem/aegis/internal/server/housekeeping"
	"github.com/aegis-siem/aegis/internal/server/incidents"
	"github.com/aegis-siem/aegis/internal/server/store"
	"github.com/aegis-siem/aegis/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "aegis",
	Short:   "Aegis - host-based SIEM server",
	Long:    `The Aegis server ingests log, metric, process and command telemetry from enrolled host agents, correlates it into alerts and incidents, and serves the analyst API.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Aegis %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(createOwnerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger so configuration problems are visible.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "aegis",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings.
	logging.Init(logging.Config{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		Component:  "aegis",
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxAgeDays: cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	})
	defer logging.Shutdown()

	api.Version = Version
	log.Info().Str("version", Version).Msg("Starting Aegis server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to the central store")
	}
	defer st.Close()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.AccessTokenExpiry())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise the token service")
	}

	hub := websocket.NewHub(cfg.AllowedOrigins)

	engine, err := correlation.New(st, correlation.Options{
		Interval:  cfg.AnalysisInterval(),
		Lookback:  cfg.Lookback(),
		Overrides: cfg.Rules,
		Broadcast: hub,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid correlation rule configuration")
	}

	aggregator := incidents.New(st, incidents.Options{
		Interval:  cfg.AggregationInterval(),
		Lookback:  cfg.AggregationLookback(),
		Broadcast: hub,
	})

	keeper := housekeeping.New(st, housekeeping.Options{
		RetentionDays:  cfg.RetentionDays,
		RetentionHour:  cfg.RetentionHour,
		StatusInterval: cfg.StatusRefreshInterval(),
		OfflineAfter:   cfg.OfflineAfter(),
	})

	startMetricsServer(ctx, fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return aggregator.Run(ctx) })
	g.Go(func() error { return keeper.RunRetention(ctx) })
	g.Go(func() error { return keeper.RunStatusRefresh(ctx) })

	// Behavioural scoring only runs when a trained model artifact is
	// present; a fresh install works without one.
	model, err := anomaly.LoadModel(cfg.MLArtifactPath)
	if err == nil {
		scorer := anomaly.NewScorer(st, model, anomaly.Options{
			Interval:  cfg.MLInterval(),
			Broadcast: hub,
		})
		g.Go(func() error { return scorer.Run(ctx) })
	} else if errors.Is(err, os.ErrNotExist) {
		log.Warn().
			Str("path", cfg.MLArtifactPath).
			Msg("No anomaly model artifact found, behavioural scoring disabled")
	} else {
		log.Fatal().Err(err).Str("path", cfg.MLArtifactPath).Msg("Failed to load anomaly model artifact")
	}

	handler := api.NewRouter(cfg, st, tokens, hub)

	// ReadHeaderTimeout instead of ReadTimeout: a connection deadline
	// would survive the WebSocket upgrade and kill long-lived event
	// streams. WriteTimeout stays off for the same reason.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if cfg.HTTPSEnabled && cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			log.Info().
				Str("host", cfg.Host).
				Int("port", cfg.Port).
				Str("protocol", "HTTPS").
				Msg("Server listening")
			if err := srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("Failed to start HTTPS server")
			}
		} else {
			if cfg.HTTPSEnabled {
				log.Warn().Msg("HTTPS is enabled but tls_cert_file or tls_key_file is not configured, falling back to HTTP")
			}
			log.Info().
				Str("host", cfg.Host).
				Int("port", cfg.Port).
				Str("protocol", "HTTP").
				Msg("Server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("Failed to start HTTP server")
			}
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Background loop failed")
	}
	log.Info().Msg("Server stopped")
}
