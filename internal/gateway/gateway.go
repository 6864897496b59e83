// Package gateway содержит адаптеры платёжного шлюза.
//
// Суммы на публичном интерфейсе выражены в доменной валюте (томанах);
// перевод в единицы конкретного шлюза выполняется только внутри адаптера.
package gateway

import (
	"fmt"

	"github.com/mmeshcher/course-enrollment/internal/model"
)

const (
	// NameZarinPal идентифицирует адаптер ZarinPal.
	NameZarinPal = "zarinpal"
	// NameSandbox идентифицирует тестовый адаптер.
	NameSandbox = "sandbox"
)

// PaymentRequest описывает запрос на создание платежа.
type PaymentRequest struct {
	Amount      int64
	Description string
	CallbackURL string
	Email       string
	Mobile      string
}

// Payment содержит токен платежа и адрес, на который нужно перенаправить плательщика.
type Payment struct {
	Authority  string
	PaymentURL string
}

// Verification содержит результат подтверждения платежа.
type Verification struct {
	RefID string
}

func validateRequest(req PaymentRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: payment amount must be positive", model.ErrValidation)
	}
	if req.CallbackURL == "" {
		return fmt.Errorf("%w: callback url is required", model.ErrValidation)
	}
	return nil
}
