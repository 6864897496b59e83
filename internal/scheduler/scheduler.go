// Package scheduler запускает периодические задачи обслуживания записей.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultJobTimeout = time.Minute

// Expirer переводит просроченные ожидающие записи в failed.
type Expirer interface {
	ExpireStalePending(ctx context.Context) (int, error)
}

// Scheduler управляет cron-задачами сервиса.
type Scheduler struct {
	cron       *cron.Cron
	expirer    Expirer
	logger     *zap.Logger
	jobTimeout time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
}

// New создаёт планировщик. Паника в задаче перехватывается и журналируется.
func New(expirer Expirer, logger *zap.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		expirer:    expirer,
		logger:     logger,
		jobTimeout: defaultJobTimeout,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ScheduleExpiry регистрирует задачу истечения ожидающих записей по cron-выражению.
func (s *Scheduler) ScheduleExpiry(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.expirePending); err != nil {
		return fmt.Errorf("schedule pending expiry %q: %w", spec, err)
	}
	s.logger.Info("scheduled pending expiry job", zap.String("schedule", spec))
	return nil
}

func (s *Scheduler) expirePending() {
	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	n, err := s.expirer.ExpireStalePending(ctx)
	if err != nil {
		s.logger.Error("pending expiry job failed", zap.Error(err))
		return
	}
	s.logger.Debug("pending expiry job finished", zap.Int("expired", n))
}

// Start запускает планировщик в отдельной горутине.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop останавливает планировщик, отменяет выполняющиеся задачи и ждёт их завершения.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}
