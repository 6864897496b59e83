package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/course-enrollment/internal/events"
	"github.com/mmeshcher/course-enrollment/internal/gateway"
	"github.com/mmeshcher/course-enrollment/internal/model"
)

// Initiate записывает студента на курс.
//
// Бесплатный курс сразу даёт завершённую запись и обновляет статистику в той же транзакции.
// Для платного курса сначала запрашивается платёж у шлюза и только после успеха создаётся
// запись в состоянии pending; при ошибке шлюза запись не создаётся.
func (s *Service) Initiate(ctx context.Context, p model.Principal, courseID uuid.UUID) (*model.InitiateResult, error) {
	if p.Role != model.RoleStudent {
		return nil, fmt.Errorf("%w: only students can enroll", model.ErrForbidden)
	}

	course, err := s.repo.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if !course.IsPublished {
		return nil, fmt.Errorf("%w: course is not published", model.ErrValidation)
	}

	existing, err := s.repo.GetEnrollmentByStudentCourse(ctx, p.UserID, courseID)
	switch {
	case err == nil:
		return nil, conflictWith(existing)
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	price := course.EffectivePrice()
	if price == 0 {
		return s.enrollFree(ctx, p, course)
	}
	return s.enrollPaid(ctx, p, course, price)
}

func (s *Service) enrollFree(ctx context.Context, p model.Principal, course *model.Course) (*model.InitiateResult, error) {
	now := s.now().UTC()
	id := uuid.New()
	token := "FREE-" + id.String()

	created, err := s.repo.CreateFreeEnrollment(ctx, &model.Enrollment{
		ID:               id,
		StudentID:        p.UserID,
		CourseID:         course.ID,
		PaymentStatus:    model.PaymentStatusCompleted,
		PaymentMethod:    model.PaymentMethodFree,
		PaymentAmount:    0,
		PaymentAuthority: token,
		PaymentRefID:     token,
		PaidAt:           &now,
		CreatedAt:        now,
	})
	if err != nil {
		return nil, resolveConflict(err)
	}

	s.logger.Info("free enrollment completed",
		zap.String("enrollment_id", created.ID.String()),
		zap.String("course_id", course.ID.String()),
		zap.String("student_id", p.UserID.String()),
	)
	s.publish(ctx, events.RoutingKeyCompleted, created)

	return &model.InitiateResult{Enrollment: created}, nil
}

func (s *Service) enrollPaid(ctx context.Context, p model.Principal, course *model.Course, price int64) (*model.InitiateResult, error) {
	payment, err := s.gateway.RequestPayment(ctx, gateway.PaymentRequest{
		Amount:      price,
		Description: "Enrollment: " + course.Title,
		CallbackURL: s.callbackURL(),
		Email:       p.Email,
		Mobile:      p.Phone,
	})
	if err != nil {
		return nil, fmt.Errorf("request payment: %w", err)
	}

	now := s.now().UTC()
	created, err := s.repo.CreatePendingEnrollment(ctx, &model.Enrollment{
		ID:               uuid.New(),
		StudentID:        p.UserID,
		CourseID:         course.ID,
		PaymentStatus:    model.PaymentStatusPending,
		PaymentMethod:    s.gateway.Name(),
		PaymentAmount:    price,
		PaymentAuthority: payment.Authority,
		CreatedAt:        now,
	})
	if err != nil {
		// платёж у шлюза уже зарегистрирован, но без записи его не подтвердить
		s.logger.Warn("payment requested but enrollment was not created",
			zap.String("authority", payment.Authority),
			zap.String("course_id", course.ID.String()),
			zap.Error(err),
		)
		return nil, resolveConflict(err)
	}

	s.logger.Info("pending enrollment created",
		zap.String("enrollment_id", created.ID.String()),
		zap.String("authority", payment.Authority),
		zap.Int64("amount", price),
	)

	return &model.InitiateResult{
		Enrollment: created,
		Payment: &model.PaymentRedirect{
			Authority:  payment.Authority,
			PaymentURL: payment.PaymentURL,
			Amount:     price,
		},
	}, nil
}

// conflictWith строит ошибку конфликта для уже существующей записи.
func conflictWith(e *model.Enrollment) error {
	switch e.PaymentStatus {
	case model.PaymentStatusCompleted:
		return &model.ConflictError{Reason: "already enrolled in this course"}
	case model.PaymentStatusPending:
		return &model.ConflictError{Reason: "payment for this course is pending", Existing: e}
	default:
		return &model.ConflictError{Reason: "enrollment closed"}
	}
}

// resolveConflict уточняет конфликт уникальности, проигранный конкурентному запросу.
func resolveConflict(err error) error {
	var ce *model.ConflictError
	if errors.As(err, &ce) && ce.Existing != nil {
		return conflictWith(ce.Existing)
	}
	return err
}
