// Package main запускает HTTP-сервер сервиса записи на курсы.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/course-enrollment/internal/config"
	"github.com/mmeshcher/course-enrollment/internal/events"
	"github.com/mmeshcher/course-enrollment/internal/gateway"
	"github.com/mmeshcher/course-enrollment/internal/handler"
	"github.com/mmeshcher/course-enrollment/internal/middleware"
	"github.com/mmeshcher/course-enrollment/internal/repository"
	"github.com/mmeshcher/course-enrollment/internal/scheduler"
	"github.com/mmeshcher/course-enrollment/internal/service"
	"github.com/mmeshcher/course-enrollment/internal/stats"
)

const gatewayRetryMax = 2

func newGateway(cfg *config.Config, repo *repository.PostgresRepository, logger *zap.Logger) (service.PaymentGateway, error) {
	if cfg.PaymentGateway == config.GatewayZarinPal {
		return gateway.NewZarinPal(gateway.ZarinPalConfig{
			MerchantID: cfg.ZarinPalMerchantID,
			Sandbox:    cfg.ZarinPalSandbox,
			Timeout:    cfg.GatewayTimeout,
			RetryMax:   gatewayRetryMax,
		}, logger)
	}
	return gateway.NewSandbox(repo, cfg.BackendURL, cfg.IsProduction())
}

func newPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		logger.Info("AMQP_URL is not set; enrollment events are disabled")
		return &events.NopPublisher{Logger: logger}
	}

	p, err := events.NewAMQPPublisher(cfg.AMQPURL, logger)
	if err != nil {
		logger.Warn("event broker unavailable; enrollment events are disabled", zap.Error(err))
		return &events.NopPublisher{Logger: logger}
	}
	return p
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, stats.NewAggregator())
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	gw, err := newGateway(cfg, repo, logger)
	if err != nil {
		sugar.Fatalw("payment gateway initialization error", "error", err.Error())
	}

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	svc := service.NewService(repo, gw, publisher, service.Config{
		BackendURL: cfg.BackendURL,
		PendingTTL: cfg.PendingTTL,
	}, logger)

	sched := scheduler.New(svc, logger)
	if cfg.PendingTTL > 0 {
		if err := sched.ScheduleExpiry(cfg.ExpirySchedule); err != nil {
			sugar.Fatalw("scheduler initialization error", "error", err.Error())
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, handler.Options{
		FrontendURL: cfg.FrontendURL,
		BackendURL:  cfg.BackendURL,
		Production:  cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск планировщика обслуживания
	g.Go(func() error {
		sched.Start()
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting enrollment server",
			"addr", cfg.RunAddress,
			"env", cfg.AppEnv,
			"gateway", gw.Name(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
