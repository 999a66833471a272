// Package apperrors defines the admission error taxonomy shared by every
// layer. Callers classify with errors.Is; lower layers wrap these sentinels
// with context using %w.
package apperrors

import "errors"

var (
	// ErrUnauthorized means the credential was missing or did not match.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrQuotaExceeded means the tenant used up its daily quota for a category.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrTenantUnknown means the credential is valid but no tenant record exists.
	ErrTenantUnknown = errors.New("tenant unknown")

	// ErrAdmissionTimeout means the request could not get an execution slot in time.
	ErrAdmissionTimeout = errors.New("admission timeout")

	// ErrServerMisconfigured means a required secret is not configured.
	ErrServerMisconfigured = errors.New("server misconfigured")

	// ErrStoreUnavailable wraps transient tenant store failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUnknownCategory means no limit is configured for the category.
	ErrUnknownCategory = errors.New("unknown quota category")

	// ErrPartialReset means some reconciliation chunks failed to commit.
	ErrPartialReset = errors.New("partial reset")
)

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrServerMisconfigured):
		return "SERVER_MISCONFIGURED"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrQuotaExceeded):
		return "QUOTA_EXCEEDED"
	case errors.Is(err, ErrTenantUnknown):
		return "TENANT_UNKNOWN"
	case errors.Is(err, ErrAdmissionTimeout):
		return "ADMISSION_TIMEOUT"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, ErrUnknownCategory):
		return "UNKNOWN_CATEGORY"
	case errors.Is(err, ErrPartialReset):
		return "PARTIAL_RESET"
	default:
		return "INTERNAL_ERROR"
	}
}

// Retryable reports whether a caller may retry the same request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrAdmissionTimeout) || errors.Is(err, ErrStoreUnavailable)
}
