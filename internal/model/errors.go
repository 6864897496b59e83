package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound возвращается, если курс или запись не найдены.
	ErrNotFound = errors.New("not found")
	// ErrForbidden возвращается при нарушении ролевых ограничений или владения.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict возвращается при повторной записи или конфликте состояний.
	ErrConflict = errors.New("conflict")
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrGateway возвращается при сетевых ошибках, таймаутах и отказах платёжного шлюза.
	ErrGateway = errors.New("payment gateway error")
	// ErrVerificationMismatch возвращается, если шлюз не подтвердил платёж на сохранённую сумму.
	ErrVerificationMismatch = errors.New("payment verification mismatch")
	// ErrIllegalTransition возвращается при недопустимом переходе состояния оплаты.
	ErrIllegalTransition = fmt.Errorf("%w: illegal transition", ErrConflict)
)

// ConflictError описывает конфликт с уже существующей записью на курс.
type ConflictError struct {
	Reason   string
	Existing *Enrollment
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// Unwrap позволяет сопоставлять ошибку с ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
