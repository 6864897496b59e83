package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/course-enrollment/internal/model"
	"github.com/mmeshcher/course-enrollment/internal/stats"
)

// Тесты в этом файле выполняются только при заданной переменной TEST_DATABASE_URI.

func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn, stats.NewAggregator())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type fixture struct {
	instructor uuid.UUID
	student    uuid.UUID
	other      uuid.UUID
	course     uuid.UUID
}

func seed(t *testing.T, r *PostgresRepository) fixture {
	t.Helper()

	ctx := context.Background()
	f := fixture{instructor: uuid.New(), student: uuid.New(), other: uuid.New(), course: uuid.New()}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, role) VALUES ($1, 'instructor'), ($2, 'student'), ($3, 'student')`,
		f.instructor, f.student, f.other,
	)
	require.NoError(t, err)
	_, err = r.pool.Exec(ctx,
		`INSERT INTO courses (id, instructor_id, title, price, is_published) VALUES ($1, $2, 'Go in Practice', 100000, TRUE)`,
		f.course, f.instructor,
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = r.pool.Exec(ctx, `DELETE FROM enrollments WHERE course_id = $1`, f.course)
		_, _ = r.pool.Exec(ctx, `DELETE FROM courses WHERE id = $1`, f.course)
		for _, id := range []uuid.UUID{f.instructor, f.student, f.other} {
			_, _ = r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		}
	})
	return f
}

func (f fixture) pending(studentID uuid.UUID, authority string, createdAt time.Time) *model.Enrollment {
	return &model.Enrollment{
		ID:               uuid.New(),
		StudentID:        studentID,
		CourseID:         f.course,
		PaymentStatus:    model.PaymentStatusPending,
		PaymentMethod:    "sandbox",
		PaymentAmount:    100000,
		PaymentAuthority: authority,
		CreatedAt:        createdAt,
	}
}

func counters(t *testing.T, r *PostgresRepository, f fixture) (course, instructor int64) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, r.pool.QueryRow(ctx, `SELECT total_enrollments FROM courses WHERE id = $1`, f.course).Scan(&course))
	require.NoError(t, r.pool.QueryRow(ctx, `SELECT total_students_enrolled FROM users WHERE id = $1`, f.instructor).Scan(&instructor))
	return course, instructor
}

func TestPostgres_ConcurrentInsertKeepsOneRecord(t *testing.T) {
	r := newTestRepository(t)
	f := seed(t, r)
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   []*model.Enrollment
		conflicts []*model.ConflictError
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := r.CreatePendingEnrollment(ctx, f.pending(f.student, "AUTH-"+uuid.NewString(), time.Now().UTC()))

			mu.Lock()
			defer mu.Unlock()
			var ce *model.ConflictError
			switch {
			case err == nil:
				created = append(created, e)
			case errors.As(err, &ce):
				conflicts = append(conflicts, ce)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, created, 1)
	require.Len(t, conflicts, workers-1)
	for _, ce := range conflicts {
		require.NotNil(t, ce.Existing)
		assert.Equal(t, created[0].ID, ce.Existing.ID)
	}

	page, total, err := r.ListEnrollments(ctx, model.EnrollmentFilter{CourseID: &f.course, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, page, 1)
}

func TestPostgres_DuplicateAuthorityIsConflict(t *testing.T) {
	r := newTestRepository(t)
	f := seed(t, r)
	ctx := context.Background()

	authority := "AUTH-" + uuid.NewString()
	_, err := r.CreatePendingEnrollment(ctx, f.pending(f.student, authority, time.Now().UTC()))
	require.NoError(t, err)

	_, err = r.CreatePendingEnrollment(ctx, f.pending(f.other, authority, time.Now().UTC()))
	assert.ErrorIs(t, err, model.ErrConflict)

	var ce *model.ConflictError
	assert.False(t, errors.As(err, &ce), "authority clash is not an existing (student, course) record")
}

func TestPostgres_ApplyTransitionIsConditional(t *testing.T) {
	r := newTestRepository(t)
	f := seed(t, r)
	ctx := context.Background()

	authority := "AUTH-" + uuid.NewString()
	e, err := r.CreatePendingEnrollment(ctx, f.pending(f.student, authority, time.Now().UTC()))
	require.NoError(t, err)

	complete := model.Transition{
		EnrollmentID: e.ID,
		Version:      e.Version,
		From:         model.PaymentStatusPending,
		To:           model.PaymentStatusCompleted,
		RefID:        "REF-1",
		At:           time.Now().UTC(),
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		updated *model.Enrollment
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err := r.ApplyTransition(ctx, complete)
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			if ok {
				applied++
				updated = got
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, applied)
	assert.Equal(t, model.PaymentStatusCompleted, updated.PaymentStatus)
	assert.Equal(t, "REF-1", updated.PaymentRefID)
	assert.Equal(t, e.Version+1, updated.Version)
	assert.NotNil(t, updated.PaidAt)

	courseTotal, instructorTotal := counters(t, r, f)
	assert.Equal(t, int64(1), courseTotal)
	assert.Equal(t, int64(1), instructorTotal)

	_, ok, err := r.ApplyTransition(ctx, complete)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not apply")

	revenue, err := r.TotalRevenue(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, revenue, int64(100000))

	refunded, ok, err := r.ApplyTransition(ctx, model.Transition{
		EnrollmentID: e.ID,
		Version:      updated.Version,
		From:         model.PaymentStatusCompleted,
		To:           model.PaymentStatusRefunded,
		At:           time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.PaymentStatusRefunded, refunded.PaymentStatus)
	assert.NotNil(t, refunded.RefundedAt)
	assert.Equal(t, "REF-1", refunded.PaymentRefID)

	courseTotal, instructorTotal = counters(t, r, f)
	assert.Zero(t, courseTotal)
	assert.Zero(t, instructorTotal)
}

func TestPostgres_FailedTransitionKeepsCounters(t *testing.T) {
	r := newTestRepository(t)
	f := seed(t, r)
	ctx := context.Background()

	e, err := r.CreatePendingEnrollment(ctx, f.pending(f.student, "AUTH-"+uuid.NewString(), time.Now().UTC()))
	require.NoError(t, err)

	failed, ok, err := r.ApplyTransition(ctx, model.Transition{
		EnrollmentID: e.ID,
		Version:      e.Version,
		From:         model.PaymentStatusPending,
		To:           model.PaymentStatusFailed,
		At:           time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.PaymentStatusFailed, failed.PaymentStatus)

	courseTotal, instructorTotal := counters(t, r, f)
	assert.Zero(t, courseTotal)
	assert.Zero(t, instructorTotal)

	_, _, err = r.ApplyTransition(ctx, model.Transition{
		EnrollmentID: e.ID,
		Version:      failed.Version,
		From:         model.PaymentStatusFailed,
		To:           model.PaymentStatusCompleted,
		RefID:        "REF-2",
		At:           time.Now().UTC(),
	})
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}

func TestPostgres_CreateFreeEnrollmentBumpsCounters(t *testing.T) {
	r := newTestRepository(t)
	f := seed(t, r)
	ctx := context.Background()

	now := time.Now().UTC()
	id := uuid.New()
	token := "FREE-" + id.String()
	created, err := r.CreateFreeEnrollment(ctx, &model.Enrollment{
		ID:               id,
		StudentID:        f.student,
		CourseID:         f.course,
		PaymentStatus:    model.PaymentStatusCompleted,
		PaymentMethod:    model.PaymentMethodFree,
		PaymentAuthority: token,
		PaymentRefID:     token,
		PaidAt:           &now,
		CreatedAt:        now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, created.PaymentStatus)

	courseTotal, instructorTotal := counters(t, r, f)
	assert.Equal(t, int64(1), courseTotal)
	assert.Equal(t, int64(1), instructorTotal)

	// повторная запись на тот же курс не меняет счётчики
	_, err = r.CreateFreeEnrollment(ctx, &model.Enrollment{
		ID:            uuid.New(),
		StudentID:     f.student,
		CourseID:      f.course,
		PaymentStatus: model.PaymentStatusCompleted,
		PaymentMethod: model.PaymentMethodFree,
		PaymentRefID:  "FREE-again",
		PaidAt:        &now,
		CreatedAt:     now,
	})
	var ce *model.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, id, ce.Existing.ID)

	courseTotal, _ = counters(t, r, f)
	assert.Equal(t, int64(1), courseTotal)
}

func TestPostgres_ExpireStalePending(t *testing.T) {
	r := newTestRepository(t)
	f := seed(t, r)
	ctx := context.Background()

	now := time.Now().UTC()
	staleAuthority := "AUTH-" + uuid.NewString()
	stale, err := r.CreatePendingEnrollment(ctx, f.pending(f.student, staleAuthority, now.Add(-2*time.Hour)))
	require.NoError(t, err)
	fresh, err := r.CreatePendingEnrollment(ctx, f.pending(f.other, "AUTH-"+uuid.NewString(), now))
	require.NoError(t, err)

	ids, err := r.ExpireStalePending(ctx, now.Add(-time.Hour), 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, stale.ID)
	assert.NotContains(t, ids, fresh.ID)

	expired, err := r.GetEnrollmentByAuthority(ctx, staleAuthority)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, expired.PaymentStatus)
	assert.Equal(t, stale.Version+1, expired.Version)

	_, ok, err := r.ApplyTransition(ctx, model.Transition{
		EnrollmentID: stale.ID,
		Version:      stale.Version,
		From:         model.PaymentStatusPending,
		To:           model.PaymentStatusCompleted,
		RefID:        "REF-late",
		At:           now,
	})
	require.NoError(t, err)
	assert.False(t, ok, "expired enrollment cannot be completed")

	courseTotal, _ := counters(t, r, f)
	assert.Zero(t, courseTotal)
}
