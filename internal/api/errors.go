package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"convert-gateway/internal/apperrors"
	"convert-gateway/internal/convert"
	"convert-gateway/internal/middleware"
)

// Error codes beyond the admission taxonomy.
const (
	codeInvalidRequest   = "INVALID_REQUEST"
	codeConversionFailed = "CONVERSION_FAILED"
	codeFetchFailed      = "FETCH_FAILED"
	codeCancelled        = "REQUEST_CANCELLED"
	codeRateLimited      = "RATE_LIMITED"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// errInvalidRequest marks caller mistakes detected by the handlers.
var errInvalidRequest = errors.New("invalid request")

func invalid(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Unwrap() error { return errInvalidRequest }

// classify maps an error to status, code and the message the caller sees.
// Infrastructure faults get a generic message; details go to the log only.
func classify(err error) (int, string, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, codeInvalidRequest, reqErr.msg
	case errors.Is(err, apperrors.ErrServerMisconfigured):
		return http.StatusInternalServerError, apperrors.Code(err), "server misconfigured"
	case errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusUnauthorized, apperrors.Code(err), "invalid or missing credential"
	case errors.Is(err, middleware.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded"
	case errors.Is(err, apperrors.ErrQuotaExceeded):
		return http.StatusTooManyRequests, apperrors.Code(err), "daily quota exceeded"
	case errors.Is(err, apperrors.ErrTenantUnknown):
		return http.StatusForbidden, apperrors.Code(err), "tenant is not provisioned"
	case errors.Is(err, apperrors.ErrAdmissionTimeout):
		return http.StatusServiceUnavailable, apperrors.Code(err), "server busy, retry later"
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, apperrors.Code(err), "service temporarily unavailable"
	case errors.Is(err, apperrors.ErrUnknownCategory):
		return http.StatusBadRequest, apperrors.Code(err), "unknown quota category"
	case errors.Is(err, apperrors.ErrPartialReset):
		return http.StatusInternalServerError, apperrors.Code(err), "reset partially failed"
	case errors.Is(err, convert.ErrUnsupportedFormat):
		return http.StatusBadRequest, codeInvalidRequest, "unsupported format"
	case errors.Is(err, convert.ErrFetch):
		return http.StatusBadGateway, codeFetchFailed, "could not fetch source image"
	case errors.Is(err, convert.ErrDecode):
		return http.StatusUnprocessableEntity, codeConversionFailed, "Conversion failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, codeCancelled, "request cancelled"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

// writeError logs err and writes the error body.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	requestID := middleware.GetRequestID(r.Context())

	fields := []zap.Field{
		zap.Int("status_code", status),
		zap.String("error_code", code),
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestID),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, apperrors.ErrServerMisconfigured):
		a.logger.Error("Server misconfigured", append(fields, zap.Bool("alert", true))...)
	case status >= http.StatusInternalServerError:
		a.logger.Error("HTTP error response", fields...)
	default:
		a.logger.Warn("HTTP error response", fields...)
	}

	if errors.Is(err, apperrors.ErrAdmissionTimeout) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(a.opts.RetryAfter.Seconds()))))
	}
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   msg,
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
