package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	serrors "switchboard/internal/shared/errors"
)

// APIError is the error body of every failed request.
type APIError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// APIResponse wraps responses that may carry a partial result with an error.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch serrors.KindOf(err) {
	case serrors.KindValidation:
		return http.StatusBadRequest
	case serrors.KindNotFound:
		return http.StatusNotFound
	case serrors.KindUnavailable:
		return http.StatusServiceUnavailable
	case serrors.KindTimeout:
		return http.StatusGatewayTimeout
	case serrors.KindProcessFailure, serrors.KindParseFailure:
		return http.StatusBadGateway
	case serrors.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func apiError(err error) *APIError {
	return &APIError{
		Code:        string(serrors.KindOf(err)),
		Message:     err.Error(),
		Recoverable: serrors.IsRecoverable(err),
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		requestLogger(c, s.logger).Warn("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, APIResponse{Success: false, Error: apiError(err)})
}

// writePartial reports err while still returning data, for operations that
// record a run before failing.
func (s *Server) writePartial(c *gin.Context, data any, err error) {
	c.JSON(statusFor(err), APIResponse{Success: false, Data: data, Error: apiError(err)})
}

func badRequest(format string, args ...any) error {
	return serrors.New(serrors.KindValidation, format, args...)
}
