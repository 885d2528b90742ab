package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dgellow/contentdesk/internal/authstate"
	"github.com/dgellow/contentdesk/internal/billing"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/content"
	"github.com/dgellow/contentdesk/internal/credential"
	"github.com/dgellow/contentdesk/internal/flow"
	"github.com/dgellow/contentdesk/internal/gate"
	"github.com/dgellow/contentdesk/internal/identity"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/metrics"
	"github.com/dgellow/contentdesk/internal/server"
	"github.com/dgellow/contentdesk/internal/session"
	"github.com/dgellow/contentdesk/internal/urlutil"
)

// ContentDesk is the local client process: one session, one credential store
// and the loopback listener that receives redirects and serves gated views.
type ContentDesk struct {
	config     config.Config
	httpServer *server.HTTPServer
	handler    http.Handler
	store      credential.Store
	sessions   *session.Manager
}

// NewContentDesk builds the application with all dependencies
func NewContentDesk(ctx context.Context, cfg config.Config) (*ContentDesk, error) {
	log.LogInfoWithFields("contentdesk", "Building application", map[string]any{
		"listen":   cfg.Listen.Addr,
		"identity": cfg.Identity.BaseURL,
		"storage":  string(cfg.Credentials.Storage),
		"billing":  string(cfg.Billing.Source),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	store, err := credential.NewStore(ctx, cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to setup credential store: %w", err)
	}

	verifier, err := identity.NewHTTPVerifier(cfg.Identity.BaseURL,
		identity.WithTimeout(cfg.Identity.Timeout),
		identity.WithMetrics(m),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to setup identity verifier: %w", err)
	}

	state := authstate.NewContainer(m)
	sessions := session.NewManager(store, verifier, state, session.WithRetry(cfg.Retry))

	source, err := setupBillingSource(cfg, verifier)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to setup billing source: %w", err)
	}
	poller := billing.NewPoller(source,
		billing.WithInterval(cfg.Billing.PollInterval),
		billing.WithFetchTimeout(cfg.Billing.Timeout),
		billing.WithObserver(sessions.ApplySubscription),
		billing.WithMetrics(m),
	)

	callbackURL, err := urlutil.JoinPath(cfg.Listen.BaseURL, "oauth", "callback")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid listen.baseURL: %w", err)
	}
	loginURL, err := identity.LoginURL(cfg.Identity.LoginURL, callbackURL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid identity.loginURL: %w", err)
	}

	handlers := server.NewHandlers(
		sessions,
		flow.NewOAuthCallback(sessions, cfg.Routes, m),
		flow.NewPaymentStatus(sessions, poller, cfg.Routes,
			flow.WithBudget(cfg.Billing.Budget),
			flow.WithMetrics(m),
		),
		content.NewClient(cfg.Content.BaseURL, &http.Client{Timeout: cfg.Content.Timeout}, cfg.Content.Headers),
		cfg.Routes,
		loginURL,
		cfg.Billing.PortalURL,
	)

	handler := buildHTTPHandler(cfg, handlers, state, m, registry)

	return &ContentDesk{
		config:     cfg,
		httpServer: server.NewHTTPServer(handler, cfg.Listen.Addr),
		handler:    handler,
		store:      store,
		sessions:   sessions,
	}, nil
}

// Run restores the stored session, serves until ctx is done or a signal
// arrives, and then shuts down gracefully.
func (c *ContentDesk) Run(ctx context.Context) error {
	log.LogInfoWithFields("contentdesk", "Starting", map[string]any{
		"addr":    c.config.Listen.Addr,
		"baseURL": c.config.Listen.BaseURL,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)

	go func() {
		if err := c.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// The listener comes up first so the sign-in redirect can land while
	// the stored credential is still being checked.
	go c.restore(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	var runErr error
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("contentdesk", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		runErr = err
		log.LogErrorWithFields("contentdesk", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	case <-ctx.Done():
		shutdownReason = "context cancelled"
		log.LogInfoWithFields("contentdesk", "Context cancelled, shutting down", nil)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := c.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("contentdesk", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		runErr = errors.Join(runErr, err)
	}
	if err := c.store.Close(); err != nil {
		log.LogWarnWithFields("contentdesk", "Failed to close credential store", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("contentdesk", "Shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return runErr
}

// Handler exposes the routed handler, used by tests
func (c *ContentDesk) Handler() http.Handler {
	return c.handler
}

func (c *ContentDesk) restore(ctx context.Context) {
	s, err := c.sessions.Restore(ctx)
	if err != nil {
		log.LogWarnWithFields("contentdesk", "Could not restore session", map[string]any{
			"error": err.Error(),
			"state": s.Kind.String(),
		})
		return
	}
	log.LogInfoWithFields("contentdesk", "Session restored", map[string]any{
		"state": s.Kind.String(),
	})
}

func setupBillingSource(cfg config.Config, verifier identity.Verifier) (billing.StatusSource, error) {
	switch cfg.Billing.Source {
	case config.BillingSourceProfile:
		log.LogInfoWithFields("billing", "Deriving subscription status from identity profile", nil)
		return billing.NewProfileSource(verifier), nil
	default:
		return billing.NewHTTPClient(cfg.Billing.BaseURL, &http.Client{Timeout: cfg.Billing.Timeout})
	}
}

func buildHTTPHandler(
	cfg config.Config,
	handlers *server.Handlers,
	state *authstate.Container,
	m *metrics.Metrics,
	registry *prometheus.Registry,
) http.Handler {
	mux := http.NewServeMux()

	redirectMiddleware := []server.MiddlewareFunc{
		server.NewLoggerMiddleware("redirect"),
		server.NewRecoverMiddleware("redirect"),
	}
	pageMiddleware := []server.MiddlewareFunc{
		server.NewCORSMiddleware(cfg.Listen.AllowedOrigins),
		server.NewLoggerMiddleware("pages"),
		server.NewRecoverMiddleware("pages"),
	}
	gated := func(requireActive bool) []server.MiddlewareFunc {
		return append([]server.MiddlewareFunc{
			server.MiddlewareFunc(gate.Middleware(state, requireActive, cfg.Routes, m)),
		}, pageMiddleware...)
	}
	handle := func(pattern string, h http.HandlerFunc, mw []server.MiddlewareFunc) {
		mux.Handle(pattern, server.ChainMiddleware(h, mw...))
	}

	mux.Handle("GET /health", server.NewHealthHandler(func() string {
		return state.Current().Kind.String()
	}))
	mux.Handle("GET /metrics", metrics.Handler(registry))

	handle("GET /oauth/callback", handlers.OAuthCallbackHandler, redirectMiddleware)
	handle("GET /payment/return", handlers.PaymentReturnHandler, redirectMiddleware)

	handle("GET "+cfg.Routes.Login, handlers.LoginHandler, pageMiddleware)
	handle("POST /logout", handlers.LogoutHandler, pageMiddleware)
	handle("GET /session", handlers.SessionHandler, pageMiddleware)
	handle("POST /session/refresh", handlers.SessionRefreshHandler, pageMiddleware)
	handle("GET "+cfg.Routes.Upsell, handlers.UpsellHandler, pageMiddleware)
	handle("GET "+cfg.Routes.Recheck, handlers.RecheckHandler, gated(false))
	handle("POST "+cfg.Routes.Recheck, handlers.RecheckHandler, gated(false))

	handle("GET "+cfg.Routes.Landing, handlers.DashboardHandler, gated(false))
	handle("GET /app/templates", handlers.TemplatesHandler, gated(true))

	mux.Handle("GET /{$}", http.RedirectHandler(cfg.Routes.Landing, http.StatusFound))

	return server.ChainMiddleware(mux,
		metrics.HTTPMiddleware(m),
		server.NewRequestIDMiddleware(),
	)
}
