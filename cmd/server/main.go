package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/duetcode/duet/internal/bootstrap"
	"github.com/duetcode/duet/internal/config"
	mq "github.com/duetcode/duet/internal/infra/queue"
	"github.com/duetcode/duet/internal/modules/handler"
	"github.com/duetcode/duet/internal/modules/service"
	"github.com/duetcode/duet/internal/router"
	"github.com/duetcode/duet/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	inj := bootstrap.BuildContainer()

	cfg := do.MustInvoke[*config.Config](inj)
	log := do.MustInvoke[*zap.Logger](inj)
	defer log.Sync()

	if _, err := telemetry.SetupTracing(cfg); err != nil {
		log.Fatal("setup tracing", zap.Error(err))
	}
	if _, err := telemetry.SetupMetrics(cfg); err != nil {
		log.Fatal("setup metrics", zap.Error(err))
	}
	if err := telemetry.InitSessionMetrics(); err != nil {
		log.Fatal("init session metrics", zap.Error(err))
	}

	r := router.NewRouter(router.RouterDeps{
		Config:          cfg,
		Log:             log,
		SessionHandler:  do.MustInvoke[*handler.SessionHandler](inj),
		IngressHandler:  do.MustInvoke[*handler.IngressHandler](inj),
		ArtifactHandler: do.MustInvoke[*handler.ArtifactHandler](inj),
		WsHandler:       do.MustInvoke[*handler.WsHandler](inj),
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Heartbeat reconciler.
	controller := do.MustInvoke[*service.SandboxController](inj)
	g.Go(func() error {
		controller.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown", zap.Error(err))
		}

		// Drain buffered token batches before the store goes away.
		do.MustInvoke[*service.IngressService](inj).Aggregator().Destroy()

		if pub, err := do.Invoke[*mq.Publisher](inj); err == nil {
			_ = pub.Close()
		}
		if rdb, err := do.Invoke[*redis.Client](inj); err == nil {
			_ = rdb.Close()
		}
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
		if err := telemetry.ShutdownMetrics(shutdownCtx); err != nil {
			log.Warn("meter shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
	log.Info("bye")
}
