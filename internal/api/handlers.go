package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"convert-gateway/internal/admission"
	"convert-gateway/internal/apperrors"
	"convert-gateway/internal/auth"
	"convert-gateway/internal/convert"
	"convert-gateway/internal/model"
	"convert-gateway/internal/reconcile"
)

// PriorityHeader lets a caller ask for a lower priority than its plan.
const PriorityHeader = "X-Priority"

// QuotaRemainingHeader reports the estimated quota left after a request.
const QuotaRemainingHeader = "X-Quota-Remaining"

// StatusResponse is returned by the liveness endpoints.
type StatusResponse struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"`
}

// ConsumeResponse is returned when a generic admission succeeds.
type ConsumeResponse struct {
	Admitted  bool   `json:"admitted"`
	TenantID  string `json:"tenant_id"`
	Category  string `json:"category"`
	Tier      string `json:"tier"`
	Remaining int64  `json:"remaining"`
}

// UsageResponse reports a tenant's quota per category.
type UsageResponse struct {
	TenantID string                         `json:"tenant_id"`
	Usage    map[string]model.CategoryUsage `json:"usage"`
}

// ResetResponse is returned by the reconciliation trigger.
type ResetResponse struct {
	OK           bool   `json:"ok"`
	ResetCount   int    `json:"resetCount"`
	Total        int    `json:"total"`
	FailedChunks int    `json:"failedChunks"`
	Error        string `json:"error,omitempty"`
}

// @Summary Liveness greeting
// @Tags Health
// @Produce json
// @Success 200 {object} StatusResponse
// @Router / [get]
func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "Hi!", Uptime: a.uptime()})
}

// @Summary Health check
// @Tags Health
// @Produce json
// @Success 200 {object} StatusResponse
// @Router /health [get]
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "OK", Uptime: a.uptime()})
}

// @Summary Convert an image
// @Description Admits the request against the tenant's "requests" quota, then re-encodes the uploaded or fetched image.
// @Tags Convert
// @Security ApiKeyAuth
// @Accept multipart/form-data
// @Produce png,jpeg,gif
// @Param format query string false "Target format: png, jpeg, jpg or gif" default(png)
// @Param url query string false "Source image URL, used when no file is uploaded"
// @Param image formData file false "Source image"
// @Param X-Priority header string false "Requested tier: high, normal or low. Never raises the plan tier."
// @Success 200 {file} binary
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /convert [post]
func (a *API) Convert(w http.ResponseWriter, r *http.Request) {
	// Callers are identified before the body is parsed.
	if _, err := a.verifier.Verify(r.Context(), auth.Credential(r)); err != nil {
		a.writeError(w, r, err)
		return
	}

	format, err := convert.NormalizeFormat(r.URL.Query().Get("format"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	hint, err := priorityHint(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	// The input is checked before admission so a malformed request costs
	// no quota.
	upload, sourceURL, err := a.readSource(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	ticket, err := a.admission.Admit(r.Context(), admission.Request{
		Credential:   auth.Credential(r),
		Category:     model.CategoryRequests,
		PriorityHint: hint,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer ticket.Done()

	if upload == nil {
		upload, err = a.fetcher.Fetch(r.Context(), sourceURL)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
	}

	out, err := a.converter.Convert(r.Context(), bytes.NewReader(upload), format)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", convert.ContentType(format))
	w.Header().Set(QuotaRemainingHeader, strconv.FormatInt(ticket.Remaining, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		a.logger.Debug("Client went away during response", zap.Error(err))
	}
}

// @Summary Consume one unit of a quota category
// @Tags Quota
// @Security ApiKeyAuth
// @Produce json
// @Param category path string true "Quota category"
// @Param X-Priority header string false "Requested tier"
// @Success 200 {object} ConsumeResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /v1/quota/{category}/consume [post]
func (a *API) Consume(w http.ResponseWriter, r *http.Request) {
	hint, err := priorityHint(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	ticket, err := a.admission.Admit(r.Context(), admission.Request{
		Credential:   auth.Credential(r),
		Category:     chi.URLParam(r, "category"),
		PriorityHint: hint,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	// Nothing runs downstream of a bare consume.
	ticket.Done()

	w.Header().Set(QuotaRemainingHeader, strconv.FormatInt(ticket.Remaining, 10))
	writeJSON(w, http.StatusOK, ConsumeResponse{
		Admitted:  true,
		TenantID:  ticket.TenantID,
		Category:  ticket.Category,
		Tier:      ticket.Tier.String(),
		Remaining: ticket.Remaining,
	})
}

// @Summary Quota usage of the calling tenant
// @Tags Quota
// @Security ApiKeyAuth
// @Produce json
// @Success 200 {object} UsageResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /v1/quota [get]
func (a *API) Usage(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.GetTenantID(r.Context())
	usage, err := a.ledger.Usage(r.Context(), tenantID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{TenantID: tenantID, Usage: usage})
}

// @Summary Reset all daily quota counters
// @Description Operator only. Limited to a few calls per hour.
// @Tags Operator
// @Security OperatorKeyAuth
// @Produce json
// @Success 200 {object} ResetResponse
// @Failure 401 {object} ResetResponse
// @Failure 429 {object} ResetResponse
// @Failure 500 {object} ResetResponse
// @Failure 503 {object} ResetResponse
// @Router /internal/reset-daily-limits [post]
func (a *API) ResetDailyLimits(w http.ResponseWriter, r *http.Request) {
	if err := a.gate.Check(r.Header.Get(auth.OperatorKeyHeader)); err != nil {
		a.writeResetError(w, r, reconcile.Result{}, err)
		return
	}

	res, err := a.reconciler.Run(r.Context())
	if err != nil {
		a.writeResetError(w, r, res, err)
		return
	}

	a.logger.Info("Daily limits reset",
		zap.Int("reset_count", res.ResetCount),
		zap.String("remote_addr", r.RemoteAddr))
	writeJSON(w, http.StatusOK, ResetResponse{
		OK:         true,
		ResetCount: res.ResetCount,
		Total:      res.Total,
	})
}

func (a *API) writeResetError(w http.ResponseWriter, r *http.Request, res reconcile.Result, err error) {
	status, code, msg := classify(err)
	fields := []zap.Field{
		zap.String("error_code", code),
		zap.Int("reset_count", res.ResetCount),
		zap.Int("failed_chunks", res.FailedChunks),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, apperrors.ErrServerMisconfigured):
		a.logger.Error("Server misconfigured", append(fields, zap.Bool("alert", true))...)
	case status >= http.StatusInternalServerError:
		a.logger.Error("Reset failed", fields...)
	default:
		a.logger.Warn("Reset rejected", fields...)
	}

	writeJSON(w, status, ResetResponse{
		OK:           false,
		ResetCount:   res.ResetCount,
		Total:        res.Total,
		FailedChunks: res.FailedChunks,
		Error:        msg,
	})
}

// readSource returns either the uploaded image bytes or the URL to fetch.
func (a *API) readSource(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(a.opts.MaxUploadBytes); err != nil &&
		!errors.Is(err, http.ErrNotMultipart) {
		return nil, "", invalid("malformed upload")
	}

	if r.MultipartForm != nil {
		if file, _, err := r.FormFile("image"); err == nil {
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				return nil, "", invalid("unreadable upload")
			}
			return data, "", nil
		}
	}

	if u := r.URL.Query().Get("url"); u != "" {
		return nil, u, nil
	}
	return nil, "", invalid("No file or URL provided")
}

func priorityHint(r *http.Request) (*model.Tier, error) {
	raw := r.Header.Get(PriorityHeader)
	if raw == "" {
		return nil, nil
	}
	t, err := model.ParseTier(raw)
	if err != nil {
		return nil, invalid("invalid " + PriorityHeader + " header")
	}
	return &t, nil
}

func (a *API) uptime() float64 {
	return time.Since(a.started).Seconds()
}
