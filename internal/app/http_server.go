package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/health"
)

const (
	opsRequestTimeout = 15 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// newOpsRouter собирает служебные эндпоинты: метрики и пробы.
func newOpsRouter(healthHandler *health.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opsRequestTimeout))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler.ServeHTTP)
	r.Get("/livez", health.LivenessHandler)
	r.Get("/readyz", healthHandler.ReadinessHandler)
	return r
}

// serveHTTP обслуживает lis до закрытия сервера.
func serveHTTP(srv *http.Server, lis net.Listener, logger *log.Entry) error {
	logger.Infof("метрики доступны по адресу %s/metrics", lis.Addr())
	logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", lis.Addr(), lis.Addr(), lis.Addr())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("ops http shutdown with error")
	}
}
