package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klyro-app/klyro-sync/internal/cloud"
	"github.com/klyro-app/klyro-sync/internal/config"
	"github.com/klyro-app/klyro-sync/internal/launch"
	"github.com/klyro-app/klyro-sync/internal/logging"
	"github.com/klyro-app/klyro-sync/internal/probe"
	"github.com/klyro-app/klyro-sync/internal/profile"
	"github.com/klyro-app/klyro-sync/internal/state"
	"github.com/klyro-app/klyro-sync/internal/storage"
	"golang.org/x/sync/errgroup"
)

// flushTimeout bounds how long a command waits for queued cloud writes
// on exit.
const flushTimeout = 15 * time.Second

// app is the wired storage stack shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	local   *state.State
	bridge  *cloud.Bridge
	probe   *probe.Probe
	session *launch.Session
	store   *storage.Store
	profile *profile.Client

	cancel context.CancelFunc
	bg     *errgroup.Group
}

// openApp loads configuration and brings up the local tier, the host
// bridge (when configured), the readiness probe and the store. The user
// id is resolved from the launch credentials before the store is used.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	local, err := state.LoadAt(cfg.DBPath(), state.Options{
		Namespace:  cfg.Namespace,
		QuotaBytes: cfg.LocalQuotaBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("opening local storage: %w", err)
	}

	bgCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bgCtx)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		local:   local,
		session: launch.NewSession(""),
		cancel:  cancel,
		bg:      g,
	}

	var host cloud.Host

	if cfg.InTelegram() {
		a.bridge = cloud.NewBridge(cfg.BridgeURL, logger)
		host = a.bridge

		g.Go(func() error { return a.bridge.Run(gctx) })
	}

	a.probe = probe.New(host, probe.Config{
		Interval:    cfg.ProbeInterval,
		MaxAttempts: cfg.ProbeAttempts,
		OnReady: func() {
			logger.Info("cloud storage ready", slog.String("host_version", a.bridge.Version()))
		},
	}, logger)
	a.probe.Start(gctx)

	source := launch.StaticSource{Data: cfg.InitData, UserID: cfg.UnsafeUserID}
	a.profile = profile.NewClient(cfg.APIURL, nil, source, logger)

	if id := a.profile.ResolveUserID(ctx, profile.DefaultResolveTimeout); id != "" {
		a.session.Resolve(id)
	} else {
		logger.Warn("no telegram user id, per-user keys stay unscoped")
	}

	a.store = storage.New(local, a.probe, a.session, storage.Options{
		ReadTimeout: cfg.RemoteReadTimeout,
	}, logger)

	return a, nil
}

// waitReady blocks until the probe settles so one-shot commands see the
// cloud tier when it exists.
func (a *app) waitReady(ctx context.Context) {
	st := a.probe.Wait(ctx)

	a.logger.Debug("storage ready",
		slog.String("state", st.String()),
		slog.Bool("local_only", a.probe.LocalOnly()),
		slog.String("user_id", a.session.UserID()),
	)
}

// Close flushes queued cloud writes and releases everything openApp
// started.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := a.store.Flush(ctx); err != nil {
		a.logger.Warn("cloud writes still pending on exit", slog.String("error", err.Error()))
	}

	a.store.Close()
	a.cancel()

	if err := a.bg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("host bridge stopped", slog.String("error", err.Error()))
	}

	if err := a.local.Close(); err != nil {
		a.logger.Warn("closing local storage", slog.String("error", err.Error()))
	}
}
