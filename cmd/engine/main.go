// Command engine runs the Helix real-time market engine: price feeds,
// matching, positions, liquidation, risk, and the websocket session server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/internal/engine"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/lib/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to yaml settings file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg = config.FromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	observability.SetLogger(observability.NewJSONLogger(os.Stdout, cfg.Telemetry.Debug))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, telemetryShutdown, err := telemetry.Init(ctx,
		cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	observability.SetMetrics(telemetry.NewMeter(providers.MeterProvider, "helix"))

	eng, err := engine.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		observability.Log().Info("session server listening",
			observability.String("addr", cfg.Session.ListenAddr))
		return eng.Server.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := eng.Server.Shutdown(shutdownCtx); err != nil {
			observability.Log().Warn("session shutdown", observability.Err(err))
		}
		return eng.StopAll(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := telemetryShutdown(context.Background()); err != nil {
		observability.Log().Warn("telemetry shutdown", observability.Err(err))
	}
	observability.Log().Info("engine exited cleanly")
	return nil
}
