package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/klyro-app/klyro-sync/internal/auth"
	"github.com/klyro-app/klyro-sync/internal/backup"
	"github.com/klyro-app/klyro-sync/internal/diary"
	"github.com/klyro-app/klyro-sync/internal/mcpserver"
	"github.com/klyro-app/klyro-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools and metrics over HTTP",
		Long: `Serve the diary, product catalog and storage tools over MCP streamable
HTTP on KLYRO_LISTEN_ADDR, with Prometheus metrics on /metrics.

Requests to /mcp need a bearer API key from KLYRO_API_KEYS (see
"klyro hash-key"). Without keys the server only listens on loopback.
When KLYRO_IMPORT_DIR is set, backups dropped there are imported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger

	entries, err := a.cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing API keys: %w", err)
	}

	keys := auth.NewKeyring(entries)
	if keys.Len() == 0 && !isLoopback(a.cfg.ListenAddr) {
		return fmt.Errorf("KLYRO_API_KEYS is required to listen on %s", a.cfg.ListenAddr)
	}

	a.waitReady(ctx)

	catalog, err := openProducts(ctx, a)
	if err != nil {
		return fmt.Errorf("opening product catalog: %w", err)
	}

	logger.Info("product catalog loaded",
		slog.String("version", catalog.Version()),
		slog.Int("products", catalog.Len()),
	)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "klyro-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Store:    a.store,
		Book:     diary.New(a.store, logger),
		Products: catalog,
		Probe:    a.probe,
		UserID:   a.session.UserID,
		Logger:   logger,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     logger,
		Ready:      func() bool { return a.probe.State().Terminal() },
	})

	srv := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", a.cfg.ListenAddr),
			slog.Int("api_keys", keys.Len()),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if a.cfg.ImportDir != "" {
		inbox := backup.NewInbox(a.cfg.ImportDir, a.store, logger)

		g.Go(func() error {
			if err := inbox.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("backup inbox: %w", err)
			}

			return nil
		})
	}

	return g.Wait()
}

// isLoopback reports whether addr only accepts local connections. An
// empty host binds every interface.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}
