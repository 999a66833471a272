package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"convert-gateway/internal/admission"
	"convert-gateway/internal/apperrors"
	"convert-gateway/internal/auth"
	"convert-gateway/internal/convert"
	"convert-gateway/internal/ledger"
	"convert-gateway/internal/manager"
	"convert-gateway/internal/model"
	"convert-gateway/internal/reconcile"
	"convert-gateway/internal/scheduler"
	"convert-gateway/internal/storage"
)

const (
	tenantKey   = "sk_test_acme"
	operatorKey = "op-secret"
)

type testServer struct {
	handler http.Handler
	store   *storage.MemoryStore
}

func newTestServer(t *testing.T, operatorSecret string, runner reconcile.Runner) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &model.TenantRecord{
		ID:           "acme",
		PriorityTier: model.TierNormal,
		Limits:       map[string]int64{model.CategoryRequests: 2},
	}))

	limits := map[string]int64{model.CategoryRequests: 100, model.CategoryMails: 5}
	verifier := auth.NewKeyVerifier(map[string]string{tenantKey: "acme"})
	l := ledger.New(store, limits, logger)
	sched := scheduler.New(scheduler.Config{Slots: 4}, nil, logger)
	svc := admission.NewService(verifier, store, manager.NewTenantManager(store, model.TierNormal, l.Categories(), logger),
		l, sched, nil, admission.Options{}, logger)
	if runner == nil {
		runner = reconcile.NewJob(store, reconcile.Config{
			Categories: []string{model.CategoryRequests, model.CategoryMails},
		}, nil, nil, logger)
	}

	a := NewAPI(Deps{
		Admission:  svc,
		Ledger:     l,
		Verifier:   verifier,
		Gate:       auth.NewOperatorGate(operatorSecret),
		Reconciler: runner,
		Converter:  convert.NewImageConverter(0, 0),
		Fetcher:    convert.NewFetcher(0, 1<<20),
		Logger:     logger,
	}, Options{ResetsPerHour: 2})
	return &testServer{handler: a.Router(), store: store}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) counter(t *testing.T, category string) int64 {
	t.Helper()
	rec, err := s.store.Get(context.Background(), "acme")
	require.NoError(t, err)
	return rec.Counter(category)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 3))))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, target string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "in.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestRootAndHealth(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hi!", decode[StatusResponse](t, rec).Status)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", decode[StatusResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestConsume(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)
	consume := func(category, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/quota/"+category+"/consume", nil)
		if key != "" {
			req.Header.Set(auth.APIKeyHeader, key)
		}
		return s.do(req)
	}

	rec := consume(model.CategoryRequests, tenantKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[ConsumeResponse](t, rec)
	assert.True(t, body.Admitted)
	assert.Equal(t, "acme", body.TenantID)
	assert.Equal(t, "normal", body.Tier)
	assert.Equal(t, int64(1), body.Remaining)
	assert.Equal(t, "1", rec.Header().Get(QuotaRemainingHeader))

	require.Equal(t, http.StatusOK, consume(model.CategoryRequests, tenantKey).Code)

	rec = consume(model.CategoryRequests, tenantKey)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", decode[ErrorResponse](t, rec).ErrorCode)
	assert.Equal(t, int64(2), s.counter(t, model.CategoryRequests))

	rec = consume(model.CategoryMails, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = consume("teleports", tenantKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_CATEGORY", decode[ErrorResponse](t, rec).ErrorCode)

	req := httptest.NewRequest(http.MethodPost, "/v1/quota/mails/consume", nil)
	req.Header.Set(auth.APIKeyHeader, tenantKey)
	req.Header.Set(PriorityHeader, "urgent")
	rec = s.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(0), s.counter(t, model.CategoryMails))
}

func TestUsage(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/quota/mails/consume", nil)
	req.Header.Set("Authorization", "Bearer "+tenantKey)
	require.Equal(t, http.StatusOK, s.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set(auth.APIKeyHeader, tenantKey)
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[UsageResponse](t, rec)
	assert.Equal(t, "acme", body.TenantID)
	assert.Equal(t, model.CategoryUsage{Limit: 5, Used: 1, Remaining: 4}, body.Usage[model.CategoryMails])
	assert.Equal(t, model.CategoryUsage{Limit: 2, Used: 0, Remaining: 2}, body.Usage[model.CategoryRequests])

	rec = s.do(httptest.NewRequest(http.MethodGet, "/v1/quota", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func resetRequest(key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/internal/reset-daily-limits", nil)
	if key != "" {
		req.Header.Set(auth.OperatorKeyHeader, key)
	}
	return req
}

func TestResetDailyLimits(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/quota/requests/consume", nil)
	req.Header.Set(auth.APIKeyHeader, tenantKey)
	require.Equal(t, http.StatusOK, s.do(req).Code)

	rec := s.do(resetRequest(operatorKey))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[ResetResponse](t, rec)
	assert.True(t, body.OK)
	assert.Equal(t, 1, body.ResetCount)
	assert.Equal(t, int64(0), s.counter(t, model.CategoryRequests))

	rec = s.do(resetRequest(operatorKey))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[ResetResponse](t, rec).ResetCount)
}

func TestResetDailyLimitsRejected(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)

	rec := s.do(resetRequest(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, decode[ResetResponse](t, rec).OK)

	rec = s.do(resetRequest("op-secreT"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Failed attempts spend the hourly budget as well.
	rec = s.do(resetRequest(operatorKey))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, decode[ResetResponse](t, rec).OK)
}

func TestResetDailyLimitsMisconfigured(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := s.do(resetRequest(operatorKey))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[ResetResponse](t, rec)
	assert.False(t, body.OK)
	assert.Equal(t, "server misconfigured", body.Error)
}

type partialRunner struct{}

func (partialRunner) Run(context.Context) (reconcile.Result, error) {
	return reconcile.Result{ResetCount: 500, Total: 501, FailedChunks: 1}, apperrors.ErrPartialReset
}

func TestResetDailyLimitsPartial(t *testing.T) {
	s := newTestServer(t, operatorKey, partialRunner{})

	rec := s.do(resetRequest(operatorKey))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ResetResponse{
		OK:           false,
		ResetCount:   500,
		Total:        501,
		FailedChunks: 1,
		Error:        "reset partially failed",
	}, decode[ResetResponse](t, rec))
}

func TestConvertUpload(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)

	req := uploadRequest(t, "/convert?format=jpg", pngBytes(t))
	req.Header.Set(auth.APIKeyHeader, tenantKey)
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get(QuotaRemainingHeader))

	img, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())
	assert.Equal(t, int64(1), s.counter(t, model.CategoryRequests))
}

func TestConvertFromURL(t *testing.T) {
	src := pngBytes(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(src)
	}))
	defer origin.Close()

	s := newTestServer(t, operatorKey, nil)
	req := httptest.NewRequest(http.MethodPost, "/convert?url="+origin.URL+"/a.png", nil)
	req.Header.Set(auth.APIKeyHeader, tenantKey)
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestConvertBadInputCostsNothing(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)

	req := httptest.NewRequest(http.MethodPost, "/convert", nil)
	req.Header.Set(auth.APIKeyHeader, tenantKey)
	rec := s.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file or URL provided", decode[ErrorResponse](t, rec).Message)

	req = uploadRequest(t, "/convert?format=webp", pngBytes(t))
	req.Header.Set(auth.APIKeyHeader, tenantKey)
	rec = s.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int64(0), s.counter(t, model.CategoryRequests))
}

func TestConvertUndecodable(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)

	req := uploadRequest(t, "/convert", []byte("GIF89a but not really"))
	req.Header.Set(auth.APIKeyHeader, tenantKey)
	rec := s.do(req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "CONVERSION_FAILED", body.ErrorCode)
	assert.Equal(t, "Conversion failed", body.Message)
}

func TestConvertUnauthorized(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)

	rec := s.do(uploadRequest(t, "/convert", pngBytes(t)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[ErrorResponse](t, rec).ErrorCode)
}

func TestConvertChecksCredentialBeforeBody(t *testing.T) {
	s := newTestServer(t, operatorKey, nil)

	rec := s.do(httptest.NewRequest(http.MethodPost, "/convert", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[ErrorResponse](t, rec).ErrorCode)

	req := httptest.NewRequest(http.MethodPost, "/convert?format=webp", nil)
	req.Header.Set(auth.APIKeyHeader, "sk_wrong")
	rec = s.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
