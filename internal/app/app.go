// Package app собирает сервис оформления: хранилища, сервисы, фоновые
// воркеры и служебные серверы.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/service/reservation"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

// Run поднимает сервис и блокируется до отмены ctx или падения одного из
// серверов. При отмене возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	logger.WithField("build", version.String()).Info("starting checkout service")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close dependencies")
		}
	}()

	healthHandler := health.NewHandler(version.GetVersion())
	deps.RegisterCheckers(healthHandler)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}

	grpcServer, grpcHealth := newGRPCServer(logger.WithField("layer", "grpc"))
	httpServer := &http.Server{Handler: newOpsRouter(healthHandler)}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return serveHTTP(httpServer, httpLis, logger.WithField("layer", "http"))
	})
	for _, worker := range newWorkers(cfg, deps) {
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		healthHandler.Drain()
		stopGRPC(grpcServer, grpcHealth, logger)
		shutdownHTTP(httpServer, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

type runner interface {
	Run(ctx context.Context)
}

// newWorkers создаёт фоновые воркеры. Outbox публикуется только при
// подключённой Kafka.
func newWorkers(cfg Config, deps *Dependencies) []runner {
	logger := deps.Logger

	workers := []runner{
		reservation.NewSweepWorker(deps.Inventory, deps.Stock,
			reservation.WithSweepLogger(logger.WithField("component", "reservation-sweep")),
			reservation.WithSweepInterval(cfg.SweepInterval),
			reservation.WithSweepBatchSize(cfg.SweepBatchSize),
		),
		checkout.NewReconcileWorker(deps.Orders, deps.Checkout,
			checkout.WithReconcileLogger(logger.WithField("component", "reconcile")),
			checkout.WithReconcileInterval(cfg.ReconcileInterval),
			checkout.WithReconcileBatchSize(cfg.ReconcileBatchSize),
		),
	}

	if deps.Publisher != nil {
		opts := []outbox.Option{
			outbox.WithLogger(logger.WithField("component", "outbox")),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		}
		if deps.DeadLetter != nil {
			opts = append(opts, outbox.WithDeadLetter(deps.DeadLetter))
		}
		workers = append(workers, outbox.NewWorker(deps.Outbox, deps.Publisher, opts...))
	}
	return workers
}
