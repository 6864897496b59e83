// Package repository содержит реализацию хранилища записей на курсы в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/course-enrollment/internal/model"
	"github.com/mmeshcher/course-enrollment/internal/stats"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к записям на курсы в PostgreSQL.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	stats *stats.Aggregator
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, aggregator *stats.Aggregator) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, stats: aggregator}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при сбоях сериализации, взаимных блокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetCourse возвращает курс по идентификатору.
func (r *PostgresRepository) GetCourse(ctx context.Context, courseID uuid.UUID) (*model.Course, error) {
	var c model.Course
	err := r.pool.QueryRow(ctx,
		`SELECT id, instructor_id, title, price, discount_price, is_published, total_enrollments
		 FROM courses WHERE id = $1`,
		courseID,
	).Scan(&c.ID, &c.InstructorID, &c.Title, &c.Price, &c.DiscountPrice, &c.IsPublished, &c.TotalEnrollments)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: course %s", model.ErrNotFound, courseID)
		}
		return nil, fmt.Errorf("get course: %w", err)
	}
	return &c, nil
}

const enrollmentColumns = `id, student_id, course_id, payment_status, payment_method, payment_amount,
	payment_authority, payment_ref_id, paid_at, refunded_at, progress, is_completed, completed_at,
	version, created_at, updated_at`

func scanEnrollment(row pgx.Row) (*model.Enrollment, error) {
	var (
		e         model.Enrollment
		status    string
		authority *string
		refID     *string
	)
	err := row.Scan(
		&e.ID, &e.StudentID, &e.CourseID, &status, &e.PaymentMethod, &e.PaymentAmount,
		&authority, &refID, &e.PaidAt, &e.RefundedAt, &e.Progress, &e.IsCompleted, &e.CompletedAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.PaymentStatus = model.PaymentStatus(status)
	if authority != nil {
		e.PaymentAuthority = *authority
	}
	if refID != nil {
		e.PaymentRefID = *refID
	}
	return &e, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) getEnrollment(ctx context.Context, q rowQuerier, where string, args ...any) (*model.Enrollment, error) {
	e, err := scanEnrollment(q.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

// GetEnrollment возвращает запись по идентификатору.
func (r *PostgresRepository) GetEnrollment(ctx context.Context, id uuid.UUID) (*model.Enrollment, error) {
	return r.getEnrollment(ctx, r.pool, `id = $1`, id)
}

// GetEnrollmentByStudentCourse возвращает запись студента на курс.
func (r *PostgresRepository) GetEnrollmentByStudentCourse(ctx context.Context, studentID, courseID uuid.UUID) (*model.Enrollment, error) {
	return r.getEnrollment(ctx, r.pool, `student_id = $1 AND course_id = $2`, studentID, courseID)
}

// GetEnrollmentByAuthority возвращает запись по токену шлюза независимо от её состояния.
func (r *PostgresRepository) GetEnrollmentByAuthority(ctx context.Context, authority string) (*model.Enrollment, error) {
	return r.getEnrollment(ctx, r.pool, `payment_authority = $1`, authority)
}

// insertEnrollment вставляет запись; при нарушении уникальности (student, course) возвращает существующую.
func (r *PostgresRepository) insertEnrollment(ctx context.Context, tx pgx.Tx, e *model.Enrollment) (*model.Enrollment, error) {
	var authority, refID *string
	if e.PaymentAuthority != "" {
		authority = &e.PaymentAuthority
	}
	if e.PaymentRefID != "" {
		refID = &e.PaymentRefID
	}

	created, err := scanEnrollment(tx.QueryRow(ctx,
		`INSERT INTO enrollments (id, student_id, course_id, payment_status, payment_method, payment_amount,
		                          payment_authority, payment_ref_id, paid_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (student_id, course_id) DO NOTHING
		 RETURNING `+enrollmentColumns,
		e.ID, e.StudentID, e.CourseID, string(e.PaymentStatus), e.PaymentMethod, e.PaymentAmount,
		authority, refID, e.PaidAt, e.CreatedAt,
	))
	if err == nil {
		return created, nil
	}
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: payment authority already recorded", model.ErrConflict)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("insert enrollment: %w", err)
	}

	existing, err := r.getEnrollment(ctx, tx, `student_id = $1 AND course_id = $2`, e.StudentID, e.CourseID)
	if err != nil {
		return nil, err
	}
	return nil, &model.ConflictError{Reason: "enrollment already exists", Existing: existing}
}

// CreateFreeEnrollment атомарно создаёт завершённую запись на бесплатный курс и обновляет статистику.
func (r *PostgresRepository) CreateFreeEnrollment(ctx context.Context, e *model.Enrollment) (*model.Enrollment, error) {
	if e.PaymentStatus != model.PaymentStatusCompleted || e.PaymentAmount != 0 {
		return nil, fmt.Errorf("%w: free enrollment must be completed with zero amount", model.ErrValidation)
	}

	var created *model.Enrollment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = r.insertEnrollment(ctx, tx, e)
		if err != nil {
			return err
		}
		return r.stats.OnCompleted(ctx, tx, created.CourseID)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreatePendingEnrollment создаёт запись, ожидающую подтверждения оплаты.
func (r *PostgresRepository) CreatePendingEnrollment(ctx context.Context, e *model.Enrollment) (*model.Enrollment, error) {
	if e.PaymentStatus != model.PaymentStatusPending || e.PaymentAuthority == "" {
		return nil, fmt.Errorf("%w: pending enrollment requires an authority", model.ErrValidation)
	}

	var created *model.Enrollment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = r.insertEnrollment(ctx, tx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ApplyTransition выполняет условный переход состояния записи вместе с обновлением статистики.
// Возвращает false, если запись уже не находится в исходном состоянии или её версия изменилась.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, t model.Transition) (*model.Enrollment, bool, error) {
	if _, err := t.From.TransitionTo(t.To); err != nil {
		return nil, false, err
	}

	var (
		refID              *string
		paidAt, refundedAt *time.Time
		updated            *model.Enrollment
		applied            bool
	)
	switch t.To {
	case model.PaymentStatusCompleted:
		if t.RefID == "" {
			return nil, false, fmt.Errorf("%w: completed enrollment requires a ref id", model.ErrValidation)
		}
		refID = &t.RefID
		paidAt = &t.At
	case model.PaymentStatusRefunded:
		refundedAt = &t.At
	}

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		applied = false
		e, err := scanEnrollment(tx.QueryRow(ctx,
			`UPDATE enrollments
			 SET payment_status = $4,
			     payment_ref_id = COALESCE($5, payment_ref_id),
			     paid_at = COALESCE($6, paid_at),
			     refunded_at = COALESCE($7, refunded_at),
			     version = version + 1,
			     updated_at = $8
			 WHERE id = $1 AND payment_status = $2 AND version = $3
			 RETURNING `+enrollmentColumns,
			t.EnrollmentID, string(t.From), t.Version, string(t.To), refID, paidAt, refundedAt, t.At,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("update enrollment status: %w", err)
		}

		if err := r.stats.OnTransition(ctx, tx, t.From, t.To, e.CourseID); err != nil {
			return err
		}

		updated = e
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, applied, nil
}

// ExpireStalePending переводит в failed ожидающие записи, созданные раньше before.
func (r *PostgresRepository) ExpireStalePending(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	from := model.PaymentStatusPending
	to, err := from.TransitionTo(model.PaymentStatusFailed)
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		ids = ids[:0]
		rows, err := tx.Query(ctx,
			`UPDATE enrollments
			 SET payment_status = $2, version = version + 1, updated_at = NOW()
			 WHERE id IN (
			     SELECT id FROM enrollments
			     WHERE payment_status = $1 AND created_at < $3
			     ORDER BY created_at
			     LIMIT $4
			     FOR UPDATE SKIP LOCKED
			 ) AND payment_status = $1
			 RETURNING id`,
			string(from), string(to), before, limit,
		)
		if err != nil {
			return fmt.Errorf("expire pending enrollments: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan expired id: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func buildEnrollmentFilter(f model.EnrollmentFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.StudentID != nil {
		add("student_id = $%d", *f.StudentID)
	}
	if f.CourseID != nil {
		add("course_id = $%d", *f.CourseID)
	}
	if f.PaymentStatus != nil {
		add("payment_status = $%d", string(*f.PaymentStatus))
	}
	if f.IsCompleted != nil {
		add("is_completed = $%d", *f.IsCompleted)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListEnrollments возвращает страницу записей по фильтру и их общее количество.
func (r *PostgresRepository) ListEnrollments(ctx context.Context, f model.EnrollmentFilter) ([]model.Enrollment, int64, error) {
	where, args := buildEnrollmentFilter(f)

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM enrollments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}

	limitArg := len(args) + 1
	query := fmt.Sprintf(`SELECT %s FROM enrollments%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		enrollmentColumns, where, limitArg, limitArg+1)

	rows, err := r.pool.Query(ctx, query, append(args, f.Limit, f.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("select enrollments: %w", err)
	}
	defer rows.Close()

	items := make([]model.Enrollment, 0, f.Limit)
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan enrollment: %w", err)
		}
		items = append(items, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	return items, total, nil
}

// TotalRevenue возвращает сумму оплат по всем завершённым записям.
func (r *PostgresRepository) TotalRevenue(ctx context.Context) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(payment_amount), 0) FROM enrollments WHERE payment_status = $1`,
		string(model.PaymentStatusCompleted),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum revenue: %w", err)
	}
	return total, nil
}
