package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/paygate/server/internal/config"
	"github.com/paygate/server/pkg/paygate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("paygated.config_load_failed")
	}

	app, err := paygate.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("paygated.app_init_failed")
	}

	scheduler := startScheduler(app, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("paygated.listening")
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("paygated.listen_failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("paygated.shutting_down")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("paygated.shutdown_error")
		os.Exit(1)
	}
}

// startScheduler registers the periodic sweeps every long-running gateway
// needs but that don't belong on the request path: expired OAuth grant
// cleanup and audit-log retention pruning. Session idle-eviction and
// webhook retry scheduling already run their own goroutines inside
// SessionManager and WebhookRouter respectively.
func startScheduler(app *paygate.App, cfg *config.Config) *cron.Cron {
	c := cron.New()

	interval := cfg.OAuth.CleanupInterval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	spec := "@every " + interval.String()

	if _, err := c.AddFunc(spec, func() {
		n := app.OAuth.Cleanup()
		if n > 0 {
			log.Info().Int("removed", n).Msg("paygated.oauth_cleanup")
		}
	}); err != nil {
		log.Error().Err(err).Msg("paygated.oauth_cleanup_schedule_failed")
	}

	if _, err := c.AddFunc("@every 1h", func() {
		app.Audit.Prune()
	}); err != nil {
		log.Error().Err(err).Msg("paygated.audit_prune_schedule_failed")
	}

	c.Start()
	return c
}
