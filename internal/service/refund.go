package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/course-enrollment/internal/events"
	"github.com/mmeshcher/course-enrollment/internal/model"
)

// Refund переводит оплаченную запись в refunded и уменьшает счётчики.
// Повторный возврат отклоняется с ErrConflict. Возврат денег плательщику не выполняется.
func (s *Service) Refund(ctx context.Context, id uuid.UUID) (*model.Enrollment, error) {
	e, err := s.repo.GetEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := e.PaymentStatus.TransitionTo(model.PaymentStatusRefunded); err != nil {
		return nil, fmt.Errorf("refund enrollment %s: %w", id, err)
	}

	updated, applied, err := s.repo.ApplyTransition(ctx, model.Transition{
		EnrollmentID: e.ID,
		Version:      e.Version,
		From:         e.PaymentStatus,
		To:           model.PaymentStatusRefunded,
		At:           s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: enrollment %s was modified concurrently", model.ErrConflict, id)
	}

	s.logger.Info("enrollment refunded",
		zap.String("enrollment_id", updated.ID.String()),
		zap.Int64("amount", updated.PaymentAmount),
	)
	s.publish(ctx, events.RoutingKeyRefunded, updated)

	return updated, nil
}

// ExpireStalePending переводит в failed записи, ожидающие оплаты дольше PendingTTL.
// Возвращает количество истёкших записей.
func (s *Service) ExpireStalePending(ctx context.Context) (int, error) {
	if s.cfg.PendingTTL <= 0 {
		return 0, nil
	}

	before := s.now().UTC().Add(-s.cfg.PendingTTL)
	total := 0
	for {
		ids, err := s.repo.ExpireStalePending(ctx, before, s.cfg.ExpiryBatch)
		if err != nil {
			return total, fmt.Errorf("expire stale pending: %w", err)
		}
		total += len(ids)
		if len(ids) < s.cfg.ExpiryBatch {
			break
		}
	}

	if total > 0 {
		s.logger.Info("stale pending enrollments expired",
			zap.Int("count", total),
			zap.Duration("ttl", s.cfg.PendingTTL),
			zap.Time("before", before.Truncate(time.Second)),
		)
	}
	return total, nil
}
