package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/eventflow/internal/domain/errs"
)

// Response represents a standard API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents an error in the API response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RespondOK sends a 200 OK response with data.
func RespondOK(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// RespondError sends an error JSON response based on the error type.
func RespondError(c echo.Context, err error) error {
	statusCode, apiError := mapError(err)
	return c.JSON(statusCode, Response{Success: false, Error: apiError})
}

// mapError maps the error taxonomy to HTTP status codes.
func mapError(err error) (int, *Error) {
	var validationErr *errs.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, &Error{Code: "VALIDATION_ERROR", Message: validationErr.Error()}
	}
	var domainErr *errs.DomainError
	if errors.As(err, &domainErr) {
		return http.StatusUnprocessableEntity, &Error{Code: domainErr.Code, Message: domainErr.Message}
	}

	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, &Error{
			Code:    "NOT_FOUND",
			Message: "The requested resource was not found",
		}
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, &Error{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input data",
		}
	case errors.Is(err, errs.ErrConcurrencyConflict):
		return http.StatusConflict, &Error{
			Code:    "CONCURRENCY_CONFLICT",
			Message: "Aggregate was modified by another command",
		}
	case errors.Is(err, errs.ErrStorage):
		return http.StatusServiceUnavailable, &Error{
			Code:    "STORAGE_UNAVAILABLE",
			Message: "Storage is temporarily unavailable",
		}
	default:
		return http.StatusInternalServerError, &Error{
			Code:    "INTERNAL_ERROR",
			Message: "An internal error occurred",
		}
	}
}
