package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mmeshcher/course-enrollment/internal/model"
)

// GetEnrollment возвращает запись, если её может видеть пользователь:
// студент-владелец, преподаватель курса или администратор.
func (s *Service) GetEnrollment(ctx context.Context, viewer model.Principal, id uuid.UUID) (*model.Enrollment, error) {
	e, err := s.repo.GetEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}

	switch viewer.Role {
	case model.RoleAdmin:
		return e, nil
	case model.RoleStudent:
		if e.StudentID == viewer.UserID {
			return e, nil
		}
	case model.RoleInstructor:
		course, err := s.repo.GetCourse(ctx, e.CourseID)
		if err != nil {
			return nil, err
		}
		if course.InstructorID == viewer.UserID {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: not allowed to view this enrollment", model.ErrForbidden)
}

// MyEnrollments возвращает записи текущего студента.
func (s *Service) MyEnrollments(ctx context.Context, viewer model.Principal, f model.EnrollmentFilter) (*model.EnrollmentPage, error) {
	if viewer.Role != model.RoleStudent {
		return nil, fmt.Errorf("%w: only students have enrollments", model.ErrForbidden)
	}

	f.StudentID = &viewer.UserID
	items, total, err := s.repo.ListEnrollments(ctx, f)
	if err != nil {
		return nil, err
	}
	return &model.EnrollmentPage{Items: items, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

// ListEnrollments возвращает записи по фильтру вместе с общей выручкой по оплаченным записям.
func (s *Service) ListEnrollments(ctx context.Context, f model.EnrollmentFilter) (*model.EnrollmentPage, error) {
	items, total, err := s.repo.ListEnrollments(ctx, f)
	if err != nil {
		return nil, err
	}

	revenue, err := s.repo.TotalRevenue(ctx)
	if err != nil {
		return nil, err
	}

	return &model.EnrollmentPage{
		Items:        items,
		Total:        total,
		Page:         f.Page,
		Limit:        f.Limit,
		TotalRevenue: &revenue,
	}, nil
}

// CheckEnrollment сообщает, записан ли студент на курс. Записью считается только оплаченная запись;
// сама запись возвращается в любом состоянии.
func (s *Service) CheckEnrollment(ctx context.Context, viewer model.Principal, courseID uuid.UUID) (bool, *model.Enrollment, error) {
	e, err := s.repo.GetEnrollmentByStudentCourse(ctx, viewer.UserID, courseID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return e.PaymentStatus == model.PaymentStatusCompleted, e, nil
}
