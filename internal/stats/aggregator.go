// Package stats поддерживает агрегированные счётчики курсов и преподавателей.
//
// Все изменения totalEnrollments и totalStudentsEnrolled проходят через Aggregator
// и выполняются в той же транзакции, что и переход состояния записи.
package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/course-enrollment/internal/model"
)

// Querier описывает подмножество pgx.Tx, необходимое агрегатору.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Aggregator изменяет счётчики курса и преподавателя синхронно с переходами записи.
type Aggregator struct{}

// NewAggregator создаёт агрегатор статистики.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Delta возвращает изменение счётчиков при переходе записи из from в to.
// Учитываются только вход в completed и выход из него через возврат.
func Delta(from, to model.PaymentStatus) int64 {
	switch {
	case from == model.PaymentStatusPending && to == model.PaymentStatusCompleted:
		return 1
	case from == model.PaymentStatusCompleted && to == model.PaymentStatusRefunded:
		return -1
	default:
		return 0
	}
}

// OnTransition применяет изменение счётчиков для перехода записи на курс courseID.
func (a *Aggregator) OnTransition(ctx context.Context, q Querier, from, to model.PaymentStatus, courseID uuid.UUID) error {
	delta := Delta(from, to)
	if delta == 0 {
		return nil
	}
	return a.apply(ctx, q, courseID, delta)
}

// OnCompleted увеличивает счётчики курса и его преподавателя на единицу.
func (a *Aggregator) OnCompleted(ctx context.Context, q Querier, courseID uuid.UUID) error {
	return a.apply(ctx, q, courseID, 1)
}

func (a *Aggregator) apply(ctx context.Context, q Querier, courseID uuid.UUID, delta int64) error {
	var instructorID uuid.UUID
	err := q.QueryRow(ctx,
		`UPDATE courses SET total_enrollments = total_enrollments + $2 WHERE id = $1 RETURNING instructor_id`,
		courseID, delta,
	).Scan(&instructorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: course %s", model.ErrNotFound, courseID)
		}
		return fmt.Errorf("update course stats: %w", err)
	}

	tag, err := q.Exec(ctx,
		`UPDATE users SET total_students_enrolled = total_students_enrolled + $2 WHERE id = $1`,
		instructorID, delta,
	)
	if err != nil {
		return fmt.Errorf("update instructor stats: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: instructor %s", model.ErrNotFound, instructorID)
	}

	return nil
}
