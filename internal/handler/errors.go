package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	perrors "github.com/devrev/stamps/internal/errors"
	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ErrorWriter maps engine errors onto HTTP responses.
type ErrorWriter struct {
	logger *zap.Logger
}

// NewErrorWriter creates a new error writer.
func NewErrorWriter(logger *zap.Logger) *ErrorWriter {
	return &ErrorWriter{logger: logger}
}

// HandleError writes err with the status its kind maps to.
func (e *ErrorWriter) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get("X-Request-ID")

	if pe, ok := perrors.As(err); ok {
		status := pe.HTTPStatus()
		if status >= http.StatusInternalServerError {
			e.logger.Error("Request failed",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.Error(err))
		}
		e.write(w, status, ErrorResponse{
			Status:    "error",
			ErrorCode: string(pe.Kind),
			Message:   pe.Error(),
			Details:   pe.Details,
			RequestID: requestID,
		})
		return
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.WriteErrorResponse(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out", requestID)
	case errors.Is(err, context.Canceled):
		e.WriteErrorResponse(w, http.StatusServiceUnavailable, "CANCELLED", "request cancelled", requestID)
	default:
		e.logger.Error("Unhandled error",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		e.WriteErrorResponse(w, http.StatusInternalServerError, string(perrors.KindInternal), "internal server error", requestID)
	}
}

// WriteErrorResponse writes a standard error response.
func (e *ErrorWriter) WriteErrorResponse(w http.ResponseWriter, status int, code, message, requestID string) {
	e.write(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
	})
}

// WriteValidationError writes a 400 for a malformed request.
func (e *ErrorWriter) WriteValidationError(w http.ResponseWriter, message, requestID string) {
	e.WriteErrorResponse(w, http.StatusBadRequest, string(perrors.KindInvalidArgument), message, requestID)
}

func (e *ErrorWriter) write(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		e.logger.Error("Failed to encode error response", zap.Error(err))
	}
}
