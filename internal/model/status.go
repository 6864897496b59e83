package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus описывает состояние оплаты записи на курс.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// transitions задаёт допустимые переходы между состояниями оплаты.
// Начальное состояние (pending или completed) устанавливается только при создании записи.
var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:   {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusCompleted: {PaymentStatusRefunded},
	PaymentStatusFailed:    {},
	PaymentStatusRefunded:  {},
}

// ParsePaymentStatus разбирает строковое значение статуса.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	st := PaymentStatus(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: unknown payment status %q", ErrValidation, s)
	}
	return st, nil
}

// CanTransitionTo сообщает, допустим ли переход в указанное состояние.
func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	return slices.Contains(transitions[s], target)
}

// TransitionTo возвращает целевое состояние либо ошибку, если переход недопустим.
func (s PaymentStatus) TransitionTo(target PaymentStatus) (PaymentStatus, error) {
	if !s.CanTransitionTo(target) {
		return s, &TransitionError{From: s, To: target}
	}
	return target, nil
}

// IsTerminal сообщает, что из состояния нет исходящих переходов.
func (s PaymentStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// TransitionError возвращается при попытке недопустимого перехода.
type TransitionError struct {
	From PaymentStatus
	To   PaymentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal payment status transition %s -> %s", e.From, e.To)
}

// Unwrap позволяет сопоставлять ошибку с ErrIllegalTransition и ErrConflict.
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// Transition описывает условный переход записи из состояния From в состояние To.
// Переход применяется только если запись всё ещё находится в From с версией Version.
type Transition struct {
	EnrollmentID uuid.UUID
	Version      int64
	From         PaymentStatus
	To           PaymentStatus
	RefID        string
	At           time.Time
}
