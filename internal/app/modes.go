package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dushaobindoudou/bubble-sub000/internal/deploy"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/server"
	"github.com/dushaobindoudou/bubble-sub000/internal/server/handler"
	"github.com/dushaobindoudou/bubble-sub000/internal/server/ws"
)

// drainTimeout bounds how long shutdown waits for running flows. Flows past
// submission keep waiting for confirmation until then.
const drainTimeout = time.Minute

// ServeMode runs the HTTP API, the reconciler loop and, when enabled, the
// archiver loop until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps)
	} else {
		a.logger.WarnContext(ctx, "server.enabled is false, serving background loops only")
	}

	interval := a.cfg.Reconcile.Interval.Duration
	if interval > 0 {
		g.Go(func() error {
			return a.every(gctx, deps, "reconcile", interval, func(ctx context.Context) {
				a.reconcileOnce(ctx, deps)
			})
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.every(gctx, deps, "archive", a.cfg.Archive.Interval.Duration, func(ctx context.Context) {
				a.archiveOnce(ctx, deps)
			})
		})
	}

	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if cerr := deps.Orchestrator.Close(drainCtx); cerr != nil {
		a.logger.Error("flows still running at shutdown", slog.String("error", cerr.Error()))
	}
	return err
}

// ReconcileMode performs one reconciliation sweep and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")
	res, err := deps.Orchestrator.ReconcileUnresolved(ctx, time.Now().Add(-a.cfg.Reconcile.MaxAge.Duration))
	if err != nil {
		return fmt.Errorf("reconcile mode: %w", err)
	}
	a.logger.InfoContext(ctx, "reconcile sweep finished",
		slog.Int("checked", res.Checked),
		slog.Int("resolved", res.Resolved),
		slog.Int("failed", res.Failed),
	)
	return nil
}

// DeployMode runs the configuration plan at deploy.plan_path, prints the
// per-step report and fails when any step failed.
func (a *App) DeployMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting deploy mode", slog.String("plan", a.cfg.Deploy.PlanPath))

	plan, err := deploy.LoadPlan(a.cfg.Deploy.PlanPath)
	if err != nil {
		return fmt.Errorf("deploy mode: %w", err)
	}

	rep, runErr := deploy.NewRunner(deps.Orchestrator, a.logger).Run(ctx, plan)
	if err := rep.Print(os.Stdout); err != nil {
		a.logger.WarnContext(ctx, "print deploy report failed", slog.String("error", err.Error()))
	}
	if runErr != nil {
		return fmt.Errorf("deploy mode: %w", runErr)
	}
	if rep.Failed() {
		return errors.New("deploy mode: plan stopped at a failed step")
	}
	return nil
}

// every runs fn now and then on each tick until ctx ends. With a lock
// manager, a tick is skipped while another process holds the named lock.
func (a *App) every(ctx context.Context, deps *Dependencies, name string, interval time.Duration, fn func(context.Context)) error {
	log := a.logger.With(slog.String("loop", name))
	runOnce := func() {
		if deps.LockManager != nil {
			unlock, err := deps.LockManager.Acquire(ctx, "loop:"+name, interval)
			if errors.Is(err, domain.ErrLockHeld) {
				log.DebugContext(ctx, "loop held by another instance")
				return
			}
			if err != nil {
				log.WarnContext(ctx, "loop lock failed", slog.String("error", err.Error()))
				return
			}
			defer unlock()
		}
		fn(ctx)
	}

	log.InfoContext(ctx, "loop started", slog.Duration("interval", interval))
	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce()
		}
	}
}

func (a *App) reconcileOnce(ctx context.Context, deps *Dependencies) {
	res, err := deps.Orchestrator.ReconcileUnresolved(ctx, time.Now().Add(-a.cfg.Reconcile.MaxAge.Duration))
	if err != nil {
		a.logger.ErrorContext(ctx, "reconcile sweep failed", slog.String("error", err.Error()))
		return
	}
	if res.Checked > 0 {
		a.logger.InfoContext(ctx, "reconcile sweep finished",
			slog.Int("checked", res.Checked),
			slog.Int("resolved", res.Resolved),
			slog.Int("failed", res.Failed),
		)
	}
}

func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) {
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	ops, err := deps.Archiver.ArchiveOperations(ctx, before)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive operations failed", slog.String("error", err.Error()))
	}
	audit, err := deps.Archiver.ArchiveAudit(ctx, before)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive audit failed", slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "archive pass finished",
		slog.Time("before", before),
		slog.Int64("operations", ops),
		slog.Int64("audit_entries", audit),
	)
}

// startHTTPServer adds the HTTP server, its shutdown watcher and, with a
// signal bus, the websocket hub to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	health := handler.NewHealthHandler(a.logger)
	if deps.Postgres != nil {
		health.WithCheck("postgres", deps.Postgres)
	}
	if deps.Redis != nil {
		health.WithCheck("redis", deps.Redis)
	}
	if deps.Blob != nil {
		health.WithCheck("s3", pingFunc(deps.Blob.Health))
	}

	handlers := server.Handlers{
		Health: health,
		Status: handler.NewStatusHandler(deps.Orchestrator, a.cfg.Mode, a.cfg.Chain.Network),
		Listings: handler.NewListingHandler(deps.Listings, deps.Orchestrator,
			a.cfg.Contracts.PaymentDecimals, a.cfg.Server.WaitTimeout.Duration, a.logger),
		Operations: handler.NewOperationHandler(deps.OperationStore, deps.Orchestrator, a.logger),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			Account:   deps.Orchestrator.Account(),
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ws hub: %w", err)
			}
			return nil
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// pingFunc adapts a health method to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
