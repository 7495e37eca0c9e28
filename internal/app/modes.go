package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hallgrove/marketd/internal/server"
	"github.com/hallgrove/marketd/internal/server/handler"
	"github.com/hallgrove/marketd/internal/server/ws"
	"github.com/hallgrove/marketd/internal/service"
)

// newMarketplace assembles the marketplace service from wired dependencies.
func (a *App) newMarketplace(deps *Dependencies) *service.Marketplace {
	return service.NewMarketplace(
		deps.Listings,
		deps.Journal,
		deps.History,
		deps.Ledger,
		deps.Inventory,
		deps.Notifier,
		a.cfg.Market,
		a.logger,
	).
		WithRateLimiter(deps.RateLimiter).
		WithLockManager(deps.LockManager)
}

// ServeMode runs the full daemon: crash recovery at startup, the HTTP API,
// the WebSocket event feed, the expiry sweeper, and history retention.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	market := a.newMarketplace(deps)

	hub := ws.NewHub(a.logger)
	defer hub.Close()
	market.WithEventSink(hub)

	// Resolve any trade tokens left in processing by a previous crash before
	// taking traffic.
	if err := market.RecoverTokens(ctx); err != nil {
		a.logger.ErrorContext(ctx, "startup recovery failed",
			slog.String("error", err.Error()),
		)
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// Expiry sweeper.
	g.Go(func() error {
		return market.RunSweeper(ctx)
	})

	// History retention (only when the archive bucket is configured).
	if deps.Archiver != nil && a.cfg.Market.HistoryRetentionDays > 0 {
		retention := time.Duration(a.cfg.Market.HistoryRetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return deps.Archiver.RunRetention(ctx, retention)
		})
	}

	// HTTP + WebSocket API.
	if a.cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			Limiter:     deps.RateLimiter,
			RateLimit:   a.cfg.Market.CreateLimit * 10,
			RateWindow:  a.cfg.Market.CreateRateWindow(),
		}, server.Handlers{
			Health:   handler.NewHealthHandler(a.logger),
			Listings: handler.NewListingHandler(market, a.logger),
			History:  handler.NewHistoryHandler(market, a.logger),
			Admin:    handler.NewAdminHandler(market, a.logger),
		}, hub, a.logger)

		g.Go(func() error {
			return srv.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	return g.Wait()
}

// SweepMode runs only the expiry sweeper. Deployments use it alongside serve
// instances with sweeping disabled; the distributed lock keeps one sweep
// active at a time either way.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")
	return a.newMarketplace(deps).RunSweeper(ctx)
}

// RecoverMode resolves all in-flight trade tokens once and exits. It is the
// manual counterpart of the recovery pass serve mode performs at startup.
func (a *App) RecoverMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting recover mode")
	if err := a.newMarketplace(deps).RecoverTokens(ctx); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "recovery pass complete")
	return nil
}
