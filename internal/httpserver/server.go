// Package httpserver assembles the HTTP surface described in the project
// overview: the JSON-RPC /mcp endpoint, the admin surface (keys, groups,
// webhook filters, audit), the OAuth authorization server, and the
// self-description endpoints. It never holds business state itself — every
// handler method borrows a reference to the singleton that owns the state
// it needs.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/paygate/server/internal/audit"
	"github.com/paygate/server/internal/config"
	"github.com/paygate/server/internal/keystore"
	"github.com/paygate/server/internal/logger"
	"github.com/paygate/server/internal/metrics"
	"github.com/paygate/server/internal/oauth"
	"github.com/paygate/server/internal/proxy"
	"github.com/paygate/server/internal/ratelimit"
	"github.com/paygate/server/internal/session"
	"github.com/paygate/server/internal/webhook"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	store    *keystore.Store
	oauth    *oauth.Server
	sessions *session.Manager
	webhooks *webhook.Router
	audit    *audit.Logger
	endpoint *proxy.Endpoint
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	ready func() bool
}

// New builds the HTTP server with its configured router. ready reports
// whether the process should answer GET /ready with 200; pass a function
// that checks the components the caller considers load-bearing.
func New(cfg *config.Config, store *keystore.Store, oauthServer *oauth.Server, sessions *session.Manager, webhooks *webhook.Router, auditLogger *audit.Logger, endpoint *proxy.Endpoint, metricsCollector *metrics.Metrics, appLogger zerolog.Logger, ready func() bool) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:      cfg,
			store:    store,
			oauth:    oauthServer,
			sessions: sessions,
			webhooks: webhooks,
			audit:    auditLogger,
			endpoint: endpoint,
			metrics:  metricsCollector,
			logger:   appLogger,
			ready:    ready,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	configureRouter(router, &s.handlers)
	return s
}

func configureRouter(router chi.Router, h *handlers) {
	cfg := h.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Mcp-Session-Id", "Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		AdminEnabled:           cfg.Server.AdminKey != "",
		AdminLimit:             cfg.Server.PublicRateLimit,
		AdminWindow:            cfg.Server.PublicRateWindow.Duration,
		SessionCreationEnabled: true,
		SessionCreationLimit:   cfg.Server.PublicRateLimit,
		SessionCreationWindow:  cfg.Server.PublicRateWindow.Duration,
		Metrics:                h.metrics,
	}

	adminAuth := adminKeyMiddleware(cfg.Server.AdminKey, h.audit)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/ready", h.handleReady)
		r.Get("/", h.handleRoot)
		r.Get("/openapi.json", h.handleOpenAPI)
		r.Get("/robots.txt", h.handleRobots)
		r.With(adminAuth).Handle("/metrics", promhttp.Handler())
		r.Get("/balance", h.handleBalance)
		r.Get("/.well-known/oauth-authorization-server", h.handleOAuthMetadata)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(ratelimit.SessionCreationLimiter(rateLimitCfg))
		r.Post("/mcp", h.handleMCPPost)
		r.Get("/mcp", h.handleMCPGet)
		r.Delete("/mcp", h.handleMCPDelete)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Post("/oauth/register", h.handleOAuthRegister)
		r.Post("/oauth/token", h.handleOAuthToken)
		r.Post("/oauth/revoke", h.handleOAuthRevoke)
		r.Post("/oauth/authorize", h.handleOAuthAuthorize)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(ratelimit.AdminLimiter(rateLimitCfg))
		r.Use(adminAuth)

		r.Post("/keys", h.handleCreateKey)
		r.Get("/keys", h.handleListKeys)
		r.Post("/keys/revoke", h.handleRevokeKey)
		r.Post("/keys/suspend", h.handleSuspendKey)
		r.Post("/keys/resume", h.handleResumeKey)
		r.Post("/keys/acl", h.handleSetACL)
		r.Post("/keys/expiry", h.handleSetExpiry)
		r.Post("/keys/tags", h.handleSetTags)
		r.Post("/keys/ip", h.handleSetIPAllowlist)
		r.Post("/keys/alias", h.handleSetAlias)
		r.Post("/topup", h.handleTopup)
		r.Post("/limits", h.handleSetSpendingLimit)
		r.Post("/keys/default-credits", h.handleSetDefaultCredits)
		r.Get("/keys/health", h.handleKeyHealth)

		r.Get("/groups", h.handleListGroups)
		r.Post("/groups", h.handleCreateGroup)
		r.Post("/groups/update", h.handleUpdateGroup)
		r.Post("/groups/delete", h.handleDeleteGroup)
		r.Post("/groups/assign", h.handleAssignGroup)
		r.Post("/groups/remove", h.handleRemoveGroup)

		r.Get("/webhooks/filters", h.handleListWebhookFilters)
		r.Post("/webhooks/filters", h.handleCreateWebhookFilter)
		r.Post("/webhooks/filters/update", h.handleUpdateWebhookFilter)
		r.Post("/webhooks/filters/delete", h.handleDeleteWebhookFilter)
		r.Get("/webhooks/stats", h.handleWebhookStats)

		r.Get("/audit", h.handleListAudit)
		r.Get("/audit/stats", h.handleAuditStats)
		r.Get("/audit/export", h.handleAuditExport)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
