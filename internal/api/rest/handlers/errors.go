package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/Dhoini/checkout-engine/pkg/res"
)

// writeError переводит ошибку сервиса в HTTP-ответ
func writeError(c *gin.Context, err error, log *logger.Logger) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Errorw("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	res.JsonErrorResponse(c.Writer, body, status, log)
	c.Abort()
}

func errorResponse(err error) (int, res.ErrorResponse) {
	var verrs domain.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusUnprocessableEntity, res.ErrorResponse{
			Error:     "request validation failed",
			ErrorCode: "validation_failed",
			Details:   verrs,
		}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusUnprocessableEntity, res.ErrorResponse{Error: err.Error(), ErrorCode: "invalid_input"}
	case errors.Is(err, domain.ErrPlanNotFound):
		return http.StatusNotFound, res.ErrorResponse{Error: "plan not found", ErrorCode: "plan_not_found"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, res.ErrorResponse{Error: "not found", ErrorCode: "not_found"}
	case errors.Is(err, domain.ErrRequestInFlight):
		return http.StatusConflict, res.ErrorResponse{Error: "request with the same key is still being processed", ErrorCode: "in_flight"}
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, res.ErrorResponse{Error: err.Error(), ErrorCode: "invalid_transition"}
	case errors.Is(err, domain.ErrGatewayTransient):
		return http.StatusServiceUnavailable, res.ErrorResponse{Error: "payment gateway unavailable", ErrorCode: "gateway_unavailable"}
	}
	return http.StatusInternalServerError, res.ErrorResponse{Error: "internal error", ErrorCode: "internal"}
}
