package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetRequestID(r.Context())))
}

func TestRequestID(t *testing.T) {
	h := RequestID(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := rec.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "abc-123", rec.Body.String())
}

// captured records what an ErrorWriter was asked to render.
type captured struct {
	err       error
	requestID string
}

func (c *captured) write(w http.ResponseWriter, r *http.Request, err error) {
	c.err = err
	c.requestID = GetRequestID(r.Context())
	w.WriteHeader(http.StatusTeapot)
}

func TestRequestIDReplacesOversizedID(t *testing.T) {
	h := RequestID(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	id := rec.Header().Get(RequestIDHeader)
	assert.Len(t, id, 36)
	assert.Equal(t, id, rec.Body.String())
}

func TestRecovery(t *testing.T) {
	var c captured
	h := Chain(RequestID, Recovery(zap.NewNop(), c.write))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "rid-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, c.err, ErrPanic)
	assert.Contains(t, c.err.Error(), "boom")
	assert.Equal(t, "rid-7", c.requestID)
}

func TestRecoveryAfterResponseStarted(t *testing.T) {
	var c captured
	h := Recovery(zap.NewNop(), c.write)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NoError(t, c.err)
}

func TestRateLimiter(t *testing.T) {
	var c captured
	rl := NewRateLimiter(0.25, 2, zap.NewNop())
	h := rl.Handler(c.write)(http.HandlerFunc(okHandler))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/convert", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/convert", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Retry-After"))
	assert.ErrorIs(t, c.err, ErrRateLimited)
}

func TestRateLimiterRetryAfterFloor(t *testing.T) {
	assert.Equal(t, "1", NewRateLimiter(50, 1, zap.NewNop()).retryAfter)
	assert.Equal(t, "1", NewRateLimiter(0, 1, zap.NewNop()).retryAfter)
}

func TestAccessLogRecordsResponse(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := AccessLog(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/quota/requests/consume", nil))

	entries := logs.FilterMessage("Request served").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusCreated), fields["status"])
	assert.Equal(t, int64(5), fields["bytes"])
	assert.Equal(t, "/v1/quota/requests/consume", fields["route"])
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(mw("outer"), mw("inner"), AccessLog(zap.NewNop()))(http.HandlerFunc(okHandler))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
