package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/course-enrollment/internal/events"
	"github.com/mmeshcher/course-enrollment/internal/gateway"
	"github.com/mmeshcher/course-enrollment/internal/model"
	"github.com/mmeshcher/course-enrollment/internal/stats"
)

// memRepo воспроизводит поведение PostgresRepository: уникальность (student, course) и authority,
// условные переходы по состоянию и версии, обновление счётчиков в той же критической секции.
type memRepo struct {
	mu                 sync.Mutex
	courses            map[uuid.UUID]*model.Course
	instructorStudents map[uuid.UUID]int64
	enrollments        map[uuid.UUID]*model.Enrollment

	// beforeTransition вызывается перед условным переходом, вне блокировки.
	beforeTransition func(t model.Transition)
	getErr           error
}

func newMemRepo() *memRepo {
	return &memRepo{
		courses:            make(map[uuid.UUID]*model.Course),
		instructorStudents: make(map[uuid.UUID]int64),
		enrollments:        make(map[uuid.UUID]*model.Enrollment),
	}
}

func (m *memRepo) addCourse(price int64, discount *int64, published bool) *model.Course {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &model.Course{
		ID:            uuid.New(),
		InstructorID:  uuid.New(),
		Title:         "Go in Practice",
		Price:         price,
		DiscountPrice: discount,
		IsPublished:   published,
	}
	m.courses[c.ID] = c
	m.instructorStudents[c.InstructorID] = 0
	return c
}

func (m *memRepo) totals(courseID uuid.UUID) (course int64, instructor int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.courses[courseID]
	return c.TotalEnrollments, m.instructorStudents[c.InstructorID]
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.enrollments)
}

func (m *memRepo) Close() error { return nil }

func (m *memRepo) GetCourse(ctx context.Context, courseID uuid.UUID) (*model.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.courses[courseID]
	if !ok {
		return nil, fmt.Errorf("%w: course %s", model.ErrNotFound, courseID)
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) find(match func(e *model.Enrollment) bool) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.enrollments {
		if match(e) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *memRepo) GetEnrollment(ctx context.Context, id uuid.UUID) (*model.Enrollment, error) {
	m.mu.Lock()
	err := m.getErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.find(func(e *model.Enrollment) bool { return e.ID == id })
}

func (m *memRepo) GetEnrollmentByStudentCourse(ctx context.Context, studentID, courseID uuid.UUID) (*model.Enrollment, error) {
	return m.find(func(e *model.Enrollment) bool { return e.StudentID == studentID && e.CourseID == courseID })
}

func (m *memRepo) GetEnrollmentByAuthority(ctx context.Context, authority string) (*model.Enrollment, error) {
	return m.find(func(e *model.Enrollment) bool { return e.PaymentAuthority == authority })
}

// setStatus меняет состояние записи в обход условного перехода, как это сделал бы другой экземпляр сервиса.
func (m *memRepo) setStatus(id uuid.UUID, status model.PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.enrollments[id]
	e.PaymentStatus = status
	e.Version++
}

func (m *memRepo) insert(e *model.Enrollment) (*model.Enrollment, error) {
	for _, other := range m.enrollments {
		if other.StudentID == e.StudentID && other.CourseID == e.CourseID {
			cp := *other
			return nil, &model.ConflictError{Reason: "enrollment already exists", Existing: &cp}
		}
		if e.PaymentAuthority != "" && other.PaymentAuthority == e.PaymentAuthority {
			return nil, fmt.Errorf("%w: payment authority already recorded", model.ErrConflict)
		}
	}

	stored := *e
	stored.Version = 1
	stored.UpdatedAt = stored.CreatedAt
	m.enrollments[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (m *memRepo) bump(courseID uuid.UUID, delta int64) {
	c := m.courses[courseID]
	c.TotalEnrollments += delta
	m.instructorStudents[c.InstructorID] += delta
}

func (m *memRepo) CreateFreeEnrollment(ctx context.Context, e *model.Enrollment) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created, err := m.insert(e)
	if err != nil {
		return nil, err
	}
	m.bump(created.CourseID, 1)
	return created, nil
}

func (m *memRepo) CreatePendingEnrollment(ctx context.Context, e *model.Enrollment) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(e)
}

func (m *memRepo) ApplyTransition(ctx context.Context, t model.Transition) (*model.Enrollment, bool, error) {
	if _, err := t.From.TransitionTo(t.To); err != nil {
		return nil, false, err
	}

	if hook := m.beforeTransition; hook != nil {
		hook(t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.enrollments[t.EnrollmentID]
	if !ok || e.PaymentStatus != t.From || e.Version != t.Version {
		return nil, false, nil
	}

	e.PaymentStatus = t.To
	e.Version++
	e.UpdatedAt = t.At
	switch t.To {
	case model.PaymentStatusCompleted:
		e.PaymentRefID = t.RefID
		at := t.At
		e.PaidAt = &at
	case model.PaymentStatusRefunded:
		at := t.At
		e.RefundedAt = &at
	}
	m.bump(e.CourseID, stats.Delta(t.From, t.To))

	cp := *e
	return &cp, true, nil
}

func (m *memRepo) ExpireStalePending(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	if _, err := model.PaymentStatusPending.TransitionTo(model.PaymentStatusFailed); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for _, e := range m.enrollments {
		if len(ids) == limit {
			break
		}
		if e.PaymentStatus == model.PaymentStatusPending && e.CreatedAt.Before(before) {
			e.PaymentStatus = model.PaymentStatusFailed
			e.Version++
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (m *memRepo) ListEnrollments(ctx context.Context, f model.EnrollmentFilter) ([]model.Enrollment, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []model.Enrollment
	for _, e := range m.enrollments {
		if f.StudentID != nil && e.StudentID != *f.StudentID {
			continue
		}
		if f.CourseID != nil && e.CourseID != *f.CourseID {
			continue
		}
		if f.PaymentStatus != nil && e.PaymentStatus != *f.PaymentStatus {
			continue
		}
		if f.IsCompleted != nil && e.IsCompleted != *f.IsCompleted {
			continue
		}
		matched = append(matched, *e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	start := min(f.Offset(), len(matched))
	end := min(start+f.Limit, len(matched))
	return matched[start:end], total, nil
}

func (m *memRepo) TotalRevenue(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, e := range m.enrollments {
		if e.PaymentStatus == model.PaymentStatusCompleted {
			sum += e.PaymentAmount
		}
	}
	return sum, nil
}

// stubGateway выдаёт authority по порядку (A1, A2, ...) и подтверждает только оплаченные платежи
// на исходную сумму.
type stubGateway struct {
	mu          sync.Mutex
	requestErr  error
	verifyErr   error
	seq         int
	amounts     map[string]int64
	paid        map[string]bool
	requests    []gateway.PaymentRequest
	verifiedFor []int64
}

func newStubGateway() *stubGateway {
	return &stubGateway{amounts: make(map[string]int64), paid: make(map[string]bool)}
}

func (g *stubGateway) Name() string { return gateway.NameSandbox }

func (g *stubGateway) RequestPayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	if g.requestErr != nil {
		return nil, g.requestErr
	}
	g.seq++
	authority := fmt.Sprintf("A%d", g.seq)
	g.amounts[authority] = req.Amount
	return &gateway.Payment{Authority: authority, PaymentURL: "https://pay.test/" + authority}, nil
}

func (g *stubGateway) VerifyPayment(ctx context.Context, authority string, amount int64) (*gateway.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.verifiedFor = append(g.verifiedFor, amount)
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	if !g.paid[authority] || g.amounts[authority] != amount {
		return nil, fmt.Errorf("%w: %s", model.ErrVerificationMismatch, authority)
	}
	return &gateway.Verification{RefID: "REF-" + authority}, nil
}

func (g *stubGateway) SimulatePayment(ctx context.Context, authority string) (*model.SandboxPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	amount, ok := g.amounts[authority]
	if !ok {
		return nil, model.ErrNotFound
	}
	g.paid[authority] = true
	return &model.SandboxPayment{Authority: authority, Amount: amount, Paid: true, RefID: "REF-" + authority}, nil
}

func (g *stubGateway) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type recordingPublisher struct {
	mu     sync.Mutex
	err    error
	keys   []string
	events []events.EnrollmentEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, event events.EnrollmentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.keys = append(p.keys, routingKey)
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}
