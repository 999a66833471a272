package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"convert-gateway/internal/admission"
	"convert-gateway/internal/auth"
	"convert-gateway/internal/convert"
	"convert-gateway/internal/ledger"
	"convert-gateway/internal/metrics"
	"convert-gateway/internal/middleware"
	"convert-gateway/internal/reconcile"

	_ "convert-gateway/docs"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Admission  *admission.Service
	Ledger     *ledger.Ledger
	Verifier   auth.Verifier
	Gate       *auth.OperatorGate
	Reconciler reconcile.Runner
	Converter  convert.Converter
	Fetcher    *convert.Fetcher
	// Limiter guards the admission routes; nil disables it.
	Limiter *middleware.RateLimiter
	Logger  *zap.Logger
}

// Options tune the HTTP surface.
type Options struct {
	// ResetsPerHour caps reconciliation triggers across all callers.
	ResetsPerHour int
	// MaxUploadBytes bounds the conversion request body.
	MaxUploadBytes int64
	// RetryAfter is advertised when a request times out waiting for a slot.
	RetryAfter time.Duration
}

type API struct {
	admission  *admission.Service
	ledger     *ledger.Ledger
	verifier   auth.Verifier
	gate       *auth.OperatorGate
	reconciler reconcile.Runner
	converter  convert.Converter
	fetcher    *convert.Fetcher
	limiter    *middleware.RateLimiter
	logger     *zap.Logger
	opts       Options
	started    time.Time
}

func NewAPI(d Deps, opts Options) *API {
	if opts.ResetsPerHour <= 0 {
		opts.ResetsPerHour = 2
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	return &API{
		admission:  d.Admission,
		ledger:     d.Ledger,
		verifier:   d.Verifier,
		gate:       d.Gate,
		reconciler: d.Reconciler,
		converter:  d.Converter,
		fetcher:    d.Fetcher,
		limiter:    d.Limiter,
		logger:     d.Logger,
		opts:       opts,
		started:    time.Now(),
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Chain(
		middleware.RequestID,
		middleware.Recovery(a.logger, a.writeError),
		middleware.AccessLog(a.logger),
	))

	// Public
	r.Get("/", a.Root)
	r.Get("/health", a.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	// Tenant traffic
	r.Group(func(r chi.Router) {
		if a.limiter != nil {
			r.Use(a.limiter.Handler(a.writeError))
		}
		r.Post("/convert", a.Convert)
		r.Post("/v1/quota/{category}/consume", a.Consume)
		r.With(auth.Middleware(a.verifier, a.writeError)).Get("/v1/quota", a.Usage)
	})

	// Operator. The limiter sits in front of the gate so failed attempts
	// count against the budget too.
	r.With(httprate.Limit(
		a.opts.ResetsPerHour,
		time.Hour,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "reset", nil }),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			a.logger.Warn("Reset rate limit exceeded", zap.String("remote_addr", r.RemoteAddr))
			writeJSON(w, http.StatusTooManyRequests, ResetResponse{
				OK:    false,
				Error: "too many reset attempts, try again later",
			})
		}),
	)).Post("/internal/reset-daily-limits", a.ResetDailyLimits)

	return r
}
