package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/imagegate/internal/app"
	"github.com/Rorqualx/imagegate/internal/config"
	"github.com/Rorqualx/imagegate/internal/handlers"
	"github.com/Rorqualx/imagegate/internal/metrics"
	"github.com/Rorqualx/imagegate/internal/middleware"
	"github.com/Rorqualx/imagegate/pkg/version"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8192, "listen port (overrides PORT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	printBanner()

	c, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	c.StartBackground(bgCtx)

	// Recovery is outermost so it catches panics from everything below.
	stack := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(cfg.CORSOrigins),
	}
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		limiter := middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.TrustProxy)
		defer limiter.Close()
		stack = append(stack, limiter.Handler)
	}
	stack = append(stack, middleware.APIKey(cfg))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           middleware.Chain(stack...)(handlers.New(c).Routes()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Batch responses run for minutes; request contexts bound the work.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	stopCh := make(chan struct{})
	defer close(stopCh)

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", addr).
			Strs("bypass_hosts", cfg.BypassHosts).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("imagegate is ready to accept requests")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _                                         _
(_)_ __ ___   __ _  __ _  ___  __ _  __ _| |_ ___
| | '_ ' _ \ / _' |/ _' |/ _ \/ _' |/ _' | __/ _ \
| | | | | | | (_| | (_| |  __/ (_| | (_| | ||  __/
|_|_| |_| |_|\__,_|\__, |\___|\__, |\__,_|\__\___|
                   |___/      |___/
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting imagegate")
}
