package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/course-enrollment/internal/model"
)

// ErrSandboxDisabled возвращается при попытке использовать тестовый шлюз в production.
var ErrSandboxDisabled = errors.New("sandbox gateway is disabled in production")

// SandboxStore хранит состояние тестовых платежей между перезапусками и экземплярами сервиса.
type SandboxStore interface {
	CreateSandboxPayment(ctx context.Context, p model.SandboxPayment) error
	GetSandboxPayment(ctx context.Context, authority string) (*model.SandboxPayment, error)
	MarkSandboxPaymentPaid(ctx context.Context, authority, refID string, paidAt time.Time) (string, error)
}

// Sandbox имитирует платёжный шлюз для интеграционных тестов и разработки.
type Sandbox struct {
	store   SandboxStore
	baseURL string
	now     func() time.Time
}

// NewSandbox создаёт тестовый шлюз. В production-окружении возвращает ErrSandboxDisabled.
// baseURL используется для построения адреса страницы оплаты.
func NewSandbox(store SandboxStore, baseURL string, production bool) (*Sandbox, error) {
	if production {
		return nil, ErrSandboxDisabled
	}
	if store == nil {
		return nil, fmt.Errorf("%w: sandbox store is required", model.ErrValidation)
	}
	return &Sandbox{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// Name возвращает имя шлюза, сохраняемое в paymentMethod.
func (s *Sandbox) Name() string {
	return NameSandbox
}

// RequestPayment регистрирует тестовый платёж.
func (s *Sandbox) RequestPayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	authority := "SANDBOX-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	err := s.store.CreateSandboxPayment(ctx, model.SandboxPayment{
		Authority:   authority,
		Amount:      req.Amount,
		Description: req.Description,
		CallbackURL: req.CallbackURL,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrGateway, err)
	}

	return &Payment{
		Authority:  authority,
		PaymentURL: s.baseURL + "/api/enrollments/test-payment/" + authority,
	}, nil
}

// VerifyPayment подтверждает тестовый платёж, если он был оплачен на ту же сумму.
func (s *Sandbox) VerifyPayment(ctx context.Context, authority string, amount int64) (*Verification, error) {
	p, err := s.store.GetSandboxPayment(ctx, authority)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown authority", model.ErrVerificationMismatch)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrGateway, err)
	}

	if p.Amount != amount {
		return nil, fmt.Errorf("%w: amount %d does not match requested %d", model.ErrVerificationMismatch, amount, p.Amount)
	}
	if !p.Paid {
		return nil, fmt.Errorf("%w: payment was not completed", model.ErrVerificationMismatch)
	}

	return &Verification{RefID: p.RefID}, nil
}

// SimulatePayment отмечает тестовый платёж оплаченным и возвращает его в актуальном состоянии.
func (s *Sandbox) SimulatePayment(ctx context.Context, authority string) (*model.SandboxPayment, error) {
	refID, err := s.store.MarkSandboxPaymentPaid(ctx, authority, s.newRefID(), s.now().UTC())
	if err != nil {
		return nil, err
	}

	p, err := s.store.GetSandboxPayment(ctx, authority)
	if err != nil {
		return nil, err
	}
	p.RefID = refID
	return p, nil
}

func (s *Sandbox) newRefID() string {
	return strconv.FormatUint(uint64(uuid.New().ID()), 10)
}
