// Package handler содержит HTTP-обработчики API записи на курсы.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/course-enrollment/internal/middleware"
	"github.com/mmeshcher/course-enrollment/internal/model"
	"github.com/mmeshcher/course-enrollment/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Initiate(ctx context.Context, p model.Principal, courseID uuid.UUID) (*model.InitiateResult, error)
	Verify(ctx context.Context, authority, status string) model.Settlement
	Refund(ctx context.Context, id uuid.UUID) (*model.Enrollment, error)
	SimulatePayment(ctx context.Context, authority string) (*model.SandboxPayment, error)
	CanSimulatePayments() bool
	GetEnrollment(ctx context.Context, viewer model.Principal, id uuid.UUID) (*model.Enrollment, error)
	MyEnrollments(ctx context.Context, viewer model.Principal, f model.EnrollmentFilter) (*model.EnrollmentPage, error)
	ListEnrollments(ctx context.Context, f model.EnrollmentFilter) (*model.EnrollmentPage, error)
	CheckEnrollment(ctx context.Context, viewer model.Principal, courseID uuid.UUID) (bool, *model.Enrollment, error)
}

// Options содержит внешние адреса и режим работы API.
type Options struct {
	FrontendURL string
	BackendURL  string
	Production  bool
}

// Handler реализует HTTP-обработчики API записи на курсы.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	opts           Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts Options) *Handler {
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")
	opts.BackendURL = strings.TrimRight(opts.BackendURL, "/")

	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		opts:           opts,
	}
}

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type listResponse struct {
	Success      bool               `json:"success"`
	Count        int                `json:"count"`
	Total        int64              `json:"total"`
	Page         int                `json:"page"`
	Pages        int64              `json:"pages"`
	TotalRevenue *int64             `json:"totalRevenue,omitempty"`
	Data         []model.Enrollment `json:"data"`
}

func newListResponse(p *model.EnrollmentPage) listResponse {
	items := p.Items
	if items == nil {
		items = []model.Enrollment{}
	}
	return listResponse{
		Success:      true,
		Count:        len(items),
		Total:        p.Total,
		Page:         p.Page,
		Pages:        p.Pages(),
		TotalRevenue: p.TotalRevenue,
		Data:         items,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "authentication required"})
	}
	return p, ok
}

type initiateRequest struct {
	CourseID string `json:"courseId"`
}

type initiateResponse struct {
	Enrollment *model.Enrollment      `json:"enrollment"`
	Payment    *model.PaymentRedirect `json:"payment,omitempty"`
}

// Initiate записывает текущего студента на курс.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, validationError("malformed request body"))
		return
	}

	courseID, err := validation.ParseID("courseId", req.CourseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.Initiate(r.Context(), p, courseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, envelope{
		Success: true,
		Data:    initiateResponse{Enrollment: res.Enrollment, Payment: res.Payment},
	})
}

// Verify обрабатывает возврат плательщика со шлюза и всегда отвечает перенаправлением.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	authority := q.Get("Authority")

	settlement := h.service.Verify(r.Context(), authority, q.Get("Status"))

	if settlement.Success {
		target := h.opts.FrontendURL + "/payment/success?" + url.Values{
			"enrollmentId": {settlement.EnrollmentID.String()},
		}.Encode()
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if settlement.Reason == model.ReasonError {
		h.logger.Error("payment settlement failed", zap.String("authority", authority))
	}
	h.redirectFailed(w, r, settlement.Reason, settlement.EnrollmentID)
}

func (h *Handler) redirectFailed(w http.ResponseWriter, r *http.Request, reason model.SettlementReason, enrollmentID uuid.UUID) {
	params := url.Values{"reason": {string(reason)}}
	if enrollmentID != uuid.Nil {
		params.Set("enrollmentId", enrollmentID.String())
	}
	http.Redirect(w, r, h.opts.FrontendURL+"/payment/failed?"+params.Encode(), http.StatusFound)
}

func (h *Handler) verifyURL(authority string) string {
	return h.opts.BackendURL + "/api/enrollments/verify?" + url.Values{
		"Authority": {authority},
		"Status":    {"OK"},
	}.Encode()
}

// SandboxCheckout заменяет страницу оплаты шлюза для тестового режима: платёж отмечается
// оплаченным, а плательщик перенаправляется на callback, как после оплаты на реальном шлюзе.
func (h *Handler) SandboxCheckout(w http.ResponseWriter, r *http.Request) {
	authority := chi.URLParam(r, "authority")

	payment, err := h.service.SimulatePayment(r.Context(), authority)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.redirectFailed(w, r, model.ReasonNotFound, uuid.Nil)
			return
		}
		h.logger.Error("sandbox checkout failed", zap.String("authority", authority), zap.Error(err))
		h.redirectFailed(w, r, model.ReasonError, uuid.Nil)
		return
	}

	http.Redirect(w, r, h.verifyURL(payment.Authority), http.StatusFound)
}

type simulateResponse struct {
	Authority string `json:"authority"`
	RefID     string `json:"refId"`
	VerifyURL string `json:"verifyUrl"`
}

// SimulatePayment отмечает тестовый платёж оплаченным и возвращает адрес callback-а.
func (h *Handler) SimulatePayment(w http.ResponseWriter, r *http.Request) {
	authority := chi.URLParam(r, "authority")

	payment, err := h.service.SimulatePayment(r.Context(), authority)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    simulateResponse{Authority: payment.Authority, RefID: payment.RefID, VerifyURL: h.verifyURL(payment.Authority)},
	})
}

// MyEnrollments возвращает записи текущего студента.
func (h *Handler) MyEnrollments(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	f, err := validation.ParseEnrollmentFilter(r.URL.Query(), validation.StudentPagination)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.service.MyEnrollments(r.Context(), p, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newListResponse(page))
}

// ListEnrollments возвращает все записи по фильтру вместе с общей выручкой.
func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	f, err := validation.ParseEnrollmentFilter(r.URL.Query(), validation.AdminPagination)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.service.ListEnrollments(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newListResponse(page))
}

type checkResponse struct {
	IsEnrolled bool              `json:"isEnrolled"`
	Enrollment *model.Enrollment `json:"enrollment"`
}

// CheckEnrollment сообщает, записан ли текущий студент на курс.
func (h *Handler) CheckEnrollment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	courseID, err := validation.ParseID("courseId", chi.URLParam(r, "courseId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	enrolled, e, err := h.service.CheckEnrollment(r.Context(), p, courseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: checkResponse{IsEnrolled: enrolled, Enrollment: e}})
}

// GetEnrollment возвращает запись по идентификатору.
func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	id, err := validation.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	e, err := h.service.GetEnrollment(r.Context(), p, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: e})
}

type refundResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    *model.Enrollment `json:"data"`
}

// Refund оформляет возврат оплаченной записи.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	e, err := h.service.Refund(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, refundResponse{Success: true, Message: "enrollment refunded", Data: e})
}
