package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/course-enrollment/internal/events"
	"github.com/mmeshcher/course-enrollment/internal/model"
)

// StatusOK передаётся шлюзом в параметре Status при успешной оплате.
const StatusOK = "OK"

// ErrSimulationUnavailable возвращается, если активный шлюз не умеет имитировать оплату.
var ErrSimulationUnavailable = fmt.Errorf("%w: payment simulation is unavailable", model.ErrNotFound)

// Verify обрабатывает возврат плательщика со шлюза.
//
// Отмена оплаты не меняет запись. Подтверждение всегда выполняется на сумму, сохранённую в записи.
// Переход pending -> completed и увеличение счётчиков выполняются одним условным обновлением,
// поэтому повторный или конкурентный callback не увеличит статистику второй раз.
func (s *Service) Verify(ctx context.Context, authority, status string) model.Settlement {
	if status != StatusOK {
		return model.Settlement{Reason: model.ReasonCancelled}
	}
	if authority == "" {
		return model.Settlement{Reason: model.ReasonNotFound}
	}

	e, err := s.repo.GetEnrollmentByAuthority(ctx, authority)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Settlement{Reason: model.ReasonNotFound}
		}
		s.logger.Error("failed to load enrollment by authority", zap.String("authority", authority), zap.Error(err))
		return model.Settlement{Reason: model.ReasonError}
	}

	if e.PaymentStatus != model.PaymentStatusPending {
		if e.PaymentStatus != model.PaymentStatusCompleted {
			// плательщик мог оплатить уже после истечения записи, деньги требуют ручного возврата
			s.logger.Warn("payment callback for enrollment that is no longer pending",
				zap.String("enrollment_id", e.ID.String()),
				zap.String("authority", authority),
				zap.String("payment_status", string(e.PaymentStatus)),
			)
		}
		return model.Settlement{Reason: model.ReasonNotFound}
	}

	v, err := s.gateway.VerifyPayment(ctx, authority, e.PaymentAmount)
	if err != nil {
		if errors.Is(err, model.ErrVerificationMismatch) {
			return s.failVerification(ctx, e, err)
		}
		s.logger.Warn("payment verification unavailable; enrollment stays pending",
			zap.String("enrollment_id", e.ID.String()),
			zap.String("authority", authority),
			zap.Error(err),
		)
		return model.Settlement{EnrollmentID: e.ID, Reason: model.ReasonGatewayError}
	}

	updated, applied, err := s.repo.ApplyTransition(ctx, model.Transition{
		EnrollmentID: e.ID,
		Version:      e.Version,
		From:         model.PaymentStatusPending,
		To:           model.PaymentStatusCompleted,
		RefID:        v.RefID,
		At:           s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to complete enrollment",
			zap.String("enrollment_id", e.ID.String()),
			zap.String("authority", authority),
			zap.Error(err),
		)
		return model.Settlement{EnrollmentID: e.ID, Reason: model.ReasonError}
	}

	if !applied {
		return s.currentOutcome(ctx, e.ID)
	}

	s.logger.Info("enrollment payment completed",
		zap.String("enrollment_id", updated.ID.String()),
		zap.String("ref_id", updated.PaymentRefID),
		zap.Int64("amount", updated.PaymentAmount),
	)
	s.publish(ctx, events.RoutingKeyCompleted, updated)

	return model.Settlement{Success: true, EnrollmentID: updated.ID}
}

func (s *Service) failVerification(ctx context.Context, e *model.Enrollment, cause error) model.Settlement {
	_, applied, err := s.repo.ApplyTransition(ctx, model.Transition{
		EnrollmentID: e.ID,
		Version:      e.Version,
		From:         model.PaymentStatusPending,
		To:           model.PaymentStatusFailed,
		At:           s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to mark enrollment failed", zap.String("enrollment_id", e.ID.String()), zap.Error(err))
		return model.Settlement{EnrollmentID: e.ID, Reason: model.ReasonError}
	}

	if !applied {
		return s.currentOutcome(ctx, e.ID)
	}

	s.logger.Info("enrollment payment verification failed",
		zap.String("enrollment_id", e.ID.String()),
		zap.NamedError("cause", cause),
	)
	return model.Settlement{EnrollmentID: e.ID, Reason: model.ReasonVerificationFailed}
}

// currentOutcome возвращает итог по записи, которую уже изменил конкурентный обработчик:
// успех, если она оплачена, иначе not_found.
func (s *Service) currentOutcome(ctx context.Context, id uuid.UUID) model.Settlement {
	current, err := s.repo.GetEnrollment(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Settlement{Reason: model.ReasonNotFound}
		}
		s.logger.Error("failed to reload enrollment after concurrent update",
			zap.String("enrollment_id", id.String()),
			zap.Error(err),
		)
		return model.Settlement{EnrollmentID: id, Reason: model.ReasonError}
	}

	if current.PaymentStatus == model.PaymentStatusCompleted {
		return model.Settlement{Success: true, EnrollmentID: id}
	}
	return model.Settlement{Reason: model.ReasonNotFound}
}

// SimulatePayment отмечает тестовый платёж оплаченным. Доступно только для тестового шлюза.
func (s *Service) SimulatePayment(ctx context.Context, authority string) (*model.SandboxPayment, error) {
	sim, ok := s.gateway.(PaymentSimulator)
	if !ok {
		return nil, ErrSimulationUnavailable
	}
	return sim.SimulatePayment(ctx, authority)
}
