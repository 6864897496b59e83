package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	custommiddleware "github.com/mmeshcher/course-enrollment/internal/middleware"
	"github.com/mmeshcher/course-enrollment/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware API записи на курсы.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.opts.FrontendURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept-Encoding", "Content-Encoding"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(custommiddleware.GzipMiddleware)

	r.Route("/api/enrollments", func(r chi.Router) {
		r.Get("/verify", h.Verify)

		if !h.opts.Production && h.service.CanSimulatePayments() {
			r.Get("/test-payment/{authority}", h.SandboxCheckout)
			r.Post("/test-payment/{authority}", h.SimulatePayment)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.With(custommiddleware.RequireRole(model.RoleStudent)).Post("/", h.Initiate)
			r.With(custommiddleware.RequireRole(model.RoleStudent)).Get("/mycourses", h.MyEnrollments)
			r.With(custommiddleware.RequireRole(model.RoleStudent)).Get("/course/{courseId}/check", h.CheckEnrollment)
			r.Get("/{id}", h.GetEnrollment)

			r.With(custommiddleware.RequireRole(model.RoleAdmin)).Get("/", h.ListEnrollments)
			r.With(custommiddleware.RequireRole(model.RoleAdmin)).Put("/{id}/refund", h.Refund)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "route not found"})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Code: "METHOD_NOT_ALLOWED", Message: http.StatusText(http.StatusMethodNotAllowed)})
	})

	return r
}
