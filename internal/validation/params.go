// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/mmeshcher/course-enrollment/internal/model"
)

// Pagination задаёт значения по умолчанию и верхнюю границу размера страницы.
type Pagination struct {
	DefaultLimit int
	MaxLimit     int
}

var (
	// AdminPagination используется при выборке всех записей администратором.
	AdminPagination = Pagination{DefaultLimit: 20, MaxLimit: 100}
	// StudentPagination используется при выборке собственных записей студента.
	StudentPagination = Pagination{DefaultLimit: 10, MaxLimit: 100}
)

// maxOffset ограничивает смещение выборки, чтобы (page-1)*limit не переполнялось.
const maxOffset = math.MaxInt32

// ParseID разбирает идентификатор сущности.
func ParseID(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s %q", model.ErrValidation, name, raw)
	}
	return id, nil
}

func parseOptionalID(q url.Values, key string) (*uuid.UUID, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	id, err := ParseID(key, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func parsePositive(q url.Values, key string, def int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", model.ErrValidation, key)
	}
	return n, nil
}

// ParseEnrollmentFilter разбирает фильтры paymentStatus, isCompleted, course, student
// и параметры пагинации page и limit. limit ограничивается сверху значением p.MaxLimit.
func ParseEnrollmentFilter(q url.Values, p Pagination) (model.EnrollmentFilter, error) {
	var (
		f   model.EnrollmentFilter
		err error
	)

	if raw := q.Get("paymentStatus"); raw != "" {
		st, err := model.ParsePaymentStatus(raw)
		if err != nil {
			return f, err
		}
		f.PaymentStatus = &st
	}

	if raw := q.Get("isCompleted"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("%w: isCompleted must be a boolean", model.ErrValidation)
		}
		f.IsCompleted = &v
	}

	if f.CourseID, err = parseOptionalID(q, "course"); err != nil {
		return f, err
	}
	if f.StudentID, err = parseOptionalID(q, "student"); err != nil {
		return f, err
	}

	if f.Page, err = parsePositive(q, "page", 1); err != nil {
		return f, err
	}
	if f.Limit, err = parsePositive(q, "limit", p.DefaultLimit); err != nil {
		return f, err
	}
	if f.Limit > p.MaxLimit {
		f.Limit = p.MaxLimit
	}
	if f.Page-1 > maxOffset/f.Limit {
		return f, fmt.Errorf("%w: page is out of range", model.ErrValidation)
	}

	return f, nil
}
