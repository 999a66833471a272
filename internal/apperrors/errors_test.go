package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "OK"},
		{fmt.Errorf("no key: %w", ErrUnauthorized), "UNAUTHORIZED"},
		{fmt.Errorf("t1: %w", ErrQuotaExceeded), "QUOTA_EXCEEDED"},
		{ErrTenantUnknown, "TENANT_UNKNOWN"},
		{ErrAdmissionTimeout, "ADMISSION_TIMEOUT"},
		{fmt.Errorf("secret: %w", ErrServerMisconfigured), "SERVER_MISCONFIGURED"},
		{fmt.Errorf("redis: %w", ErrStoreUnavailable), "STORE_UNAVAILABLE"},
		{ErrUnknownCategory, "UNKNOWN_CATEGORY"},
		{ErrPartialReset, "PARTIAL_RESET"},
		{errors.New("boom"), "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("wait: %w", ErrAdmissionTimeout)))
	assert.True(t, Retryable(ErrStoreUnavailable))
	assert.False(t, Retryable(ErrQuotaExceeded))
	assert.False(t, Retryable(nil))
}
