package handler

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/course-enrollment/internal/model"
)

type errorResponse struct {
	Success    bool              `json:"success"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Enrollment *model.Enrollment `json:"enrollment,omitempty"`
}

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", model.ErrValidation, msg)
}

// classify сопоставляет доменную ошибку со статусом HTTP и кодом ответа.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, model.ErrGateway):
		return http.StatusBadGateway, "GATEWAY_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	resp := errorResponse{Code: code, Message: err.Error()}

	var ce *model.ConflictError
	if errors.As(err, &ce) {
		resp.Enrollment = ce.Existing
	}

	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp.Message = http.StatusText(http.StatusInternalServerError)
	case http.StatusBadGateway:
		h.logger.Warn("payment gateway error", zap.String("path", r.URL.Path), zap.Error(err))
	}

	h.writeJSON(w, status, resp)
}
