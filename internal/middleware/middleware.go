// Package middleware holds the HTTP plumbing in front of every route:
// request IDs, the access log, panic recovery and the global load shedder.
//
// Middleware here never renders an error body itself. Failures are handed to
// an ErrorWriter so every response uses the same error envelope.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey struct{}

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds caller supplied IDs before they reach the logs.
const maxRequestIDLen = 128

var (
	// ErrRateLimited is passed to the ErrorWriter when the load shedder
	// turns a request away.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrPanic wraps a value recovered from a handler.
	ErrPanic = errors.New("handler panicked")
)

// ErrorWriter renders err as the response to r.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// RequestID tags the request with the caller's X-Request-ID, or a fresh UUID
// when it is missing or oversized, and echoes it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
	})
}

// GetRequestID returns the ID stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// AccessLog writes one line per request once the handler returns.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			logger.Info("Request served",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Int64("bytes", rw.written),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}

// Recovery turns a handler panic into an error response through onError.
// Nothing is written when the handler had already started its response.
func Recovery(logger *zap.Logger, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("Handler panicked",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.String("route", r.URL.Path),
					zap.Any("panic", v),
					zap.Stack("stack"))
				if !rw.wroteHeader {
					onError(w, r, fmt.Errorf("%w: %v", ErrPanic, v))
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// RateLimiter is a process-wide token bucket in front of the tenant routes.
// It sheds load before any store or scheduler work happens.
type RateLimiter struct {
	limiter    *rate.Limiter
	retryAfter string
	logger     *zap.Logger
}

func NewRateLimiter(requestsPerSecond float64, burstSize int, logger *zap.Logger) *RateLimiter {
	// Advertise the time it takes to refill one token, at least a second.
	wait := 1.0
	if requestsPerSecond > 0 {
		wait = math.Max(1, math.Ceil(1/requestsPerSecond))
	}
	return &RateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize),
		retryAfter: strconv.Itoa(int(wait)),
		logger:     logger,
	}
}

// Handler rejects requests once the bucket is empty, reporting ErrRateLimited
// through onLimited with Retry-After already set.
func (rl *RateLimiter) Handler(onLimited ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			rl.logger.Debug("Request shed",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("route", r.URL.Path))
			w.Header().Set("Retry-After", rl.retryAfter)
			onLimited(w, r, ErrRateLimited)
		})
	}
}

// statusRecorder remembers the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Chain composes middleware so the first argument is outermost.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
