// Package gateway provides the HTTP API for zapflow: the inbound message
// webhook, takeover control, suggestion drafting and analytics.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jmarinho/zapflow/pkg/zapflow/analytics"
	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
	"github.com/jmarinho/zapflow/pkg/zapflow/scheduler"
)

// Gateway is the HTTP API server.
type Gateway struct {
	engine    *engine.Engine
	collab    *engine.Collaboration
	analytics *analytics.Aggregator
	scheduler *scheduler.Scheduler
	config    engine.ServerConfig
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway. The scheduler may be nil when disabled.
func New(eng *engine.Engine, collab *engine.Collaboration, agg *analytics.Aggregator, sched *scheduler.Scheduler, cfg engine.ServerConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8765"
	}
	return &Gateway{
		engine:    eng,
		collab:    collab,
		analytics: agg,
		scheduler: sched,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
	}
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", g.handleHealth)

	// Conversation pipeline
	mux.HandleFunc("/v1/messages/inbound", g.handleInbound)

	// Collaboration control
	mux.HandleFunc("/v1/conversations/", g.handleConversationByID)

	// Analytics
	mux.HandleFunc("/v1/analytics", g.handleAnalytics)

	// Operations
	mux.HandleFunc("/v1/followups/sweep", g.handleSweep)

	handler := g.loggingMiddleware(g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux))))
	g.server = &http.Server{
		Addr:    g.config.Addr,
		Handler: handler,
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Addr)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		isLocalName := host == "localhost"
		if !isLoopback && !isLocalName {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address — anyone on the network can access the API",
				"address", g.config.Addr)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Addr)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}
