// Package paygate wires every gateway singleton into one App: the root
// context that owns KeyStore, RateLimiter, QuotaMeter, Gate, AuditLogger,
// WebhookRouter, OAuthServer, SessionManager, the circuit breaker, metrics,
// ProxyEndpoint, and the HTTP server. Everything else borrows a reference
// at construction time; nothing outside App holds a second copy of any
// singleton.
package paygate

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/paygate/server/internal/audit"
	"github.com/paygate/server/internal/circuitbreaker"
	"github.com/paygate/server/internal/config"
	"github.com/paygate/server/internal/gate"
	"github.com/paygate/server/internal/httpserver"
	"github.com/paygate/server/internal/keystore"
	"github.com/paygate/server/internal/lifecycle"
	"github.com/paygate/server/internal/logger"
	"github.com/paygate/server/internal/metrics"
	"github.com/paygate/server/internal/oauth"
	"github.com/paygate/server/internal/proxy"
	"github.com/paygate/server/internal/quota"
	"github.com/paygate/server/internal/ratelimiter"
	"github.com/paygate/server/internal/session"
	"github.com/paygate/server/internal/webhook"
)

// App owns every gateway singleton for the lifetime of the process.
type App struct {
	Config *config.Config

	Store     *keystore.Store
	RateLimit ratelimiter.RateCheck
	Quota     *quota.Meter
	Gate      *gate.Gate
	Audit     *audit.Logger
	Webhooks  *webhook.Router
	OAuth     *oauth.Server
	Sessions  *session.Manager
	Breaker   *circuitbreaker.Manager
	Metrics   *metrics.Metrics
	Endpoint  *proxy.Endpoint
	Server    *httpserver.Server

	resources *lifecycle.Manager
}

// New constructs every singleton in dependency order and assembles the
// HTTP router. The returned App is ready to ListenAndServe.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("paygate: config required")
	}

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(),
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "paygate",
		Environment: cfg.Logging.Environment,
	})

	app.Metrics = metrics.New(prometheus.DefaultRegisterer)

	var err error
	if cfg.KeyStore.FilePath != "" {
		app.Store, err = keystore.Open(cfg.KeyStore.FilePath)
		if err != nil {
			return nil, fmt.Errorf("open keystore: %w", err)
		}
	} else {
		app.Store = keystore.New()
		log.Warn().Msg("paygate: keystore has no file_path configured, state will not survive a restart")
	}
	app.Store.SetMaxKeys(cfg.KeyStore.MaxKeys)
	app.resources.RegisterFunc("keystore", func() error { return app.Store.Flush() })

	if cfg.RateLimit.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		app.RateLimit = ratelimiter.NewRedis(redisClient)
		app.resources.RegisterFunc("ratelimiter-redis", redisClient.Close)
	} else {
		app.RateLimit = ratelimiter.New(0)
	}
	app.Quota = quota.New()

	app.Audit = audit.New(audit.DefaultConfig())

	app.Breaker = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	app.Gate = gate.New(app.Store, app.RateLimit, app.Quota, app.Metrics, app.Audit, gate.Config{
		Defaults: gate.Defaults{
			Price:        1,
			RateLimit:    cfg.RateLimit.DefaultLimit,
			RateWindowMs: cfg.RateLimit.DefaultWindow.Duration.Milliseconds(),
			Quota: quota.Limits{
				DailyCalls:      cfg.Quota.DefaultDailyCalls,
				MonthlyCalls:    cfg.Quota.DefaultMonthlyCalls,
				DailyCredits:    cfg.Quota.DefaultDailyCredits,
				MonthlyCredits:  cfg.Quota.DefaultMonthlyCredits,
			},
		},
		RefundOnFailure: true,
	})

	app.Webhooks = webhook.New(webhook.Config{
		Timeout:           cfg.Webhook.Timeout.Duration,
		MaxAttempts:       cfg.Webhook.Retry.MaxAttempts,
		InitialInterval:   cfg.Webhook.Retry.InitialInterval.Duration,
		MaxInterval:       cfg.Webhook.Retry.MaxInterval.Duration,
		Multiplier:        cfg.Webhook.Retry.Multiplier,
		JitterFraction:    cfg.Webhook.Retry.JitterFraction,
		RetryEnabled:      cfg.Webhook.Retry.Enabled,
		DeadLetterMaxSize: cfg.Webhook.DeadLetterMaxSize,
		SigningSecret:     cfg.Webhook.SigningSecret,
		PerURLRPS:         cfg.Webhook.PerURLRPS,
		GlobalRPS:         cfg.Webhook.GlobalRPS,
		DefaultURL:        cfg.Webhook.DefaultURL,
		Workers:           cfg.Webhook.Workers,
		QueueSize:         cfg.Webhook.QueueSize,
		SSRFCheckEnabled:  cfg.Webhook.SSRFCheckEnabled,
	}, app.Breaker, app.Metrics, app.Audit)
	app.resources.RegisterFunc("webhook-router", func() error { app.Webhooks.Stop(); return nil })

	if cfg.KeyStore.FilePath != "" {
		app.OAuth, err = oauth.Open(oauthStatePath(cfg.KeyStore.FilePath), oauth.Config{
			Issuer:               cfg.OAuth.Issuer,
			AccessTokenTTL:       cfg.OAuth.AccessTokenTTL.Duration,
			RefreshTokenTTL:      cfg.OAuth.RefreshTokenTTL.Duration,
			AuthorizationCodeTTL: cfg.OAuth.AuthorizationCodeTTL.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("open oauth server: %w", err)
		}
	} else {
		app.OAuth = oauth.New(oauth.Config{
			Issuer:               cfg.OAuth.Issuer,
			AccessTokenTTL:       cfg.OAuth.AccessTokenTTL.Duration,
			RefreshTokenTTL:      cfg.OAuth.RefreshTokenTTL.Duration,
			AuthorizationCodeTTL: cfg.OAuth.AuthorizationCodeTTL.Duration,
		})
	}
	app.OAuth.SetAuditRecorder(app.Audit)
	app.resources.RegisterFunc("oauth-server", func() error { return app.OAuth.Flush() })

	app.Sessions = session.New(session.Config{
		MaxSessions:        cfg.Proxy.MaxSessions,
		IdleTimeout:        cfg.Proxy.SessionIdleTTL.Duration,
		NotificationBuffer: cfg.Proxy.NotificationBuffer,
	})
	app.resources.RegisterFunc("session-manager", func() error { app.Sessions.Stop(); return nil })

	transport := proxy.NewHTTPTransport(cfg.Proxy.UpstreamURL, cfg.Proxy.UpstreamTimeout.Duration, app.Breaker)

	validateBearer := func(token string) (string, bool) {
		v, ok := app.OAuth.ValidateToken(token)
		if !ok {
			return "", false
		}
		return v.APIKey, true
	}

	app.Endpoint = proxy.New(app.Gate, transport, app.Sessions, app.Webhooks, app.Audit, app.Metrics, validateBearer, proxy.Config{
		RefundOnFailure: true,
	})

	app.Server = httpserver.New(cfg, app.Store, app.OAuth, app.Sessions, app.Webhooks, app.Audit, app.Endpoint, app.Metrics, appLogger, app.ready)

	return app, nil
}

// ready reports whether the process should answer /ready with 200. The
// gateway has no external dependency that can be down independently of
// the process itself, so readiness just confirms the singletons exist.
func (a *App) ready() bool {
	return a.Store != nil && a.Gate != nil && a.Endpoint != nil
}

// Close shuts down every singleton in reverse registration order,
// aggregating errors rather than stopping at the first failure.
func (a *App) Close() error {
	return a.resources.Close()
}

// Shutdown gracefully stops the HTTP server before Close releases the
// singletons it depends on.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.Server.Shutdown(ctx); err != nil {
		return err
	}
	return a.Close()
}

func oauthStatePath(keystorePath string) string {
	return keystorePath + ".oauth"
}
