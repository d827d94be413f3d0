// Package server provides HTTP server construction for klyro.
package server

import (
	"log/slog"
	"net/http"

	"github.com/klyro-app/klyro-sync/internal/auth"
	"github.com/klyro-app/klyro-sync/internal/metrics"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.Keyring
	MCPHandler http.Handler
	Logger     *slog.Logger

	// Ready reports whether the storage stack finished initializing.
	Ready func() bool
}

// NewMux builds the HTTP mux with the MCP endpoint behind API key
// middleware, plus unauthenticated /metrics and /healthz.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if cfg.Ready != nil && !cfg.Ready() {
			http.Error(w, "initializing", http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte("ok"))
	})

	return mux
}
