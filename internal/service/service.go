// Package service реализует бизнес-логику записи на курсы: создание записи, расчёт по callback-у шлюза,
// возвраты и чтение записей.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/course-enrollment/internal/events"
	"github.com/mmeshcher/course-enrollment/internal/gateway"
	"github.com/mmeshcher/course-enrollment/internal/model"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetCourse(ctx context.Context, courseID uuid.UUID) (*model.Course, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (*model.Enrollment, error)
	GetEnrollmentByStudentCourse(ctx context.Context, studentID, courseID uuid.UUID) (*model.Enrollment, error)
	GetEnrollmentByAuthority(ctx context.Context, authority string) (*model.Enrollment, error)
	CreateFreeEnrollment(ctx context.Context, e *model.Enrollment) (*model.Enrollment, error)
	CreatePendingEnrollment(ctx context.Context, e *model.Enrollment) (*model.Enrollment, error)
	ApplyTransition(ctx context.Context, t model.Transition) (*model.Enrollment, bool, error)
	ExpireStalePending(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	ListEnrollments(ctx context.Context, f model.EnrollmentFilter) ([]model.Enrollment, int64, error)
	TotalRevenue(ctx context.Context) (int64, error)
}

// PaymentGateway описывает платёжный шлюз. Суммы передаются в доменной валюте.
type PaymentGateway interface {
	Name() string
	RequestPayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.Payment, error)
	VerifyPayment(ctx context.Context, authority string, amount int64) (*gateway.Verification, error)
}

// PaymentSimulator реализуется тестовым шлюзом, умеющим имитировать успешную оплату.
type PaymentSimulator interface {
	SimulatePayment(ctx context.Context, authority string) (*model.SandboxPayment, error)
}

// Publisher публикует события жизненного цикла записей.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event events.EnrollmentEvent) error
}

const defaultExpiryBatch = 100

// Config содержит параметры сервиса.
type Config struct {
	// BackendURL задаёт внешний адрес сервиса, на него шлюз возвращает плательщика.
	BackendURL  string
	// PendingTTL ограничивает время жизни неоплаченной записи, 0 отключает истечение.
	PendingTTL  time.Duration
	ExpiryBatch int
}

// Service содержит бизнес-логику записи на курсы.
type Service struct {
	repo      Repository
	gateway   PaymentGateway
	publisher Publisher
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// NewService создаёт сервис. publisher может быть nil: тогда события не публикуются.
func NewService(repo Repository, gw PaymentGateway, publisher Publisher, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExpiryBatch <= 0 {
		cfg.ExpiryBatch = defaultExpiryBatch
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	return &Service{
		repo:      repo,
		gateway:   gw,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GatewayName возвращает имя активного платёжного шлюза.
func (s *Service) GatewayName() string {
	return s.gateway.Name()
}

// CanSimulatePayments сообщает, поддерживает ли активный шлюз имитацию оплаты.
func (s *Service) CanSimulatePayments() bool {
	_, ok := s.gateway.(PaymentSimulator)
	return ok
}

func (s *Service) callbackURL() string {
	return s.cfg.BackendURL + "/api/enrollments/verify"
}

// publish отправляет событие после фиксации перехода. Ошибка публикации только журналируется.
func (s *Service) publish(ctx context.Context, routingKey string, e *model.Enrollment) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, routingKey, events.NewEnrollmentEvent(e, s.now())); err != nil {
		s.logger.Warn("failed to publish enrollment event",
			zap.String("routing_key", routingKey),
			zap.String("enrollment_id", e.ID.String()),
			zap.Error(err),
		)
	}
}
