// Package model содержит доменные сущности подсистемы записи на курсы и расчёта оплат.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role описывает роль пользователя маркетплейса.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// Principal описывает аутентифицированного пользователя, выполняющего запрос.
type Principal struct {
	UserID uuid.UUID
	Role   Role
	Email  string
	Phone  string
}

// PaymentMethodFree обозначает запись на бесплатный курс без участия платёжного шлюза.
const PaymentMethodFree = "free"

// Course содержит поля курса, используемые при записи и пересчёте статистики.
type Course struct {
	ID               uuid.UUID
	InstructorID     uuid.UUID
	Title            string
	Price            int64
	DiscountPrice    *int64
	IsPublished      bool
	TotalEnrollments int64
}

// EffectivePrice возвращает цену со скидкой, если скидка задана, неотрицательна и ниже базовой цены.
func (c *Course) EffectivePrice() int64 {
	if c.DiscountPrice != nil && *c.DiscountPrice >= 0 && *c.DiscountPrice < c.Price {
		return *c.DiscountPrice
	}
	return c.Price
}

// Enrollment описывает запись студента на курс и состояние её оплаты.
type Enrollment struct {
	ID               uuid.UUID     `json:"id"`
	StudentID        uuid.UUID     `json:"studentId"`
	CourseID         uuid.UUID     `json:"courseId"`
	PaymentStatus    PaymentStatus `json:"paymentStatus"`
	PaymentMethod    string        `json:"paymentMethod"`
	PaymentAmount    int64         `json:"paymentAmount"`
	PaymentAuthority string        `json:"paymentAuthority,omitempty"`
	PaymentRefID     string        `json:"paymentRefId,omitempty"`
	PaidAt           *time.Time    `json:"paidAt,omitempty"`
	RefundedAt       *time.Time    `json:"refundedAt,omitempty"`
	Progress         int           `json:"progress"`
	IsCompleted      bool          `json:"isCompleted"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	Version          int64         `json:"-"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// EnrollmentFilter задаёт фильтры и пагинацию при выборке записей.
type EnrollmentFilter struct {
	StudentID     *uuid.UUID
	CourseID      *uuid.UUID
	PaymentStatus *PaymentStatus
	IsCompleted   *bool
	Page          int
	Limit         int
}

// Offset возвращает смещение для текущей страницы.
func (f EnrollmentFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// EnrollmentPage содержит страницу записей и итоговые показатели выборки.
type EnrollmentPage struct {
	Items        []Enrollment
	Total        int64
	Page         int
	Limit        int
	TotalRevenue *int64
}

// Pages возвращает общее количество страниц.
func (p *EnrollmentPage) Pages() int64 {
	if p.Limit <= 0 {
		return 0
	}
	return (p.Total + int64(p.Limit) - 1) / int64(p.Limit)
}

// PaymentRedirect описывает данные, необходимые клиенту для оплаты на стороне шлюза.
type PaymentRedirect struct {
	Authority  string `json:"authority"`
	PaymentURL string `json:"paymentUrl"`
	Amount     int64  `json:"amount"`
}

// InitiateResult возвращается при старте записи на курс.
// Payment заполнен только для платных курсов.
type InitiateResult struct {
	Enrollment *Enrollment
	Payment    *PaymentRedirect
}

// SettlementReason содержит машиночитаемый код причины неуспешного расчёта.
type SettlementReason string

const (
	ReasonCancelled          SettlementReason = "cancelled"
	ReasonNotFound           SettlementReason = "not_found"
	ReasonVerificationFailed SettlementReason = "verification_failed"
	ReasonGatewayError       SettlementReason = "gateway_error"
	ReasonError              SettlementReason = "error"
)

// Settlement описывает итог обработки callback-а платёжного шлюза.
type Settlement struct {
	Success      bool
	EnrollmentID uuid.UUID
	Reason       SettlementReason
}

// SandboxPayment хранит состояние платежа тестового шлюза.
type SandboxPayment struct {
	Authority   string
	Amount      int64
	Description string
	CallbackURL string
	Paid        bool
	RefID       string
	CreatedAt   time.Time
	PaidAt      *time.Time
}
