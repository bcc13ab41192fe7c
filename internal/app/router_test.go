package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/billpay/internal/extraction"
	"github.com/odyssey-erp/billpay/internal/gateway"
	"github.com/odyssey-erp/billpay/internal/invoice"
	"github.com/odyssey-erp/billpay/internal/invoice/memory"
	"github.com/odyssey-erp/billpay/internal/observability"
	"github.com/odyssey-erp/billpay/internal/reconcile"
	"github.com/odyssey-erp/billpay/internal/shared"
	"github.com/odyssey-erp/billpay/jobs"
)

func newTestRouter(t *testing.T, cfg *Config) http.Handler {
	t.Helper()
	repo := memory.NewRepository()
	svc := invoice.NewService(repo, nil, nil)
	verifier, err := reconcile.NewStripeVerifier("whsec_router")
	require.NoError(t, err)
	return NewRouter(RouterParams{
		Config:            cfg,
		Metrics:           observability.NewMetrics(),
		InvoiceHandler:    invoice.NewHandler(svc, nil, nil),
		ExtractionHandler: extraction.NewHandler(extraction.NewConsumer(svc, nil), nil),
		WebhookHandler:    reconcile.NewHandler(verifier, reconcile.NewReconciler(repo, nil, nil), nil),
		JobHandler:        jobs.NewHandler(nil, nil),
	})
}

func serve(router http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouterMountsRoutes(t *testing.T) {
	router := newTestRouter(t, &Config{AppEnv: "test"})

	health := serve(router, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"ok"}`, health.Body.String())
	assert.Equal(t, "DENY", health.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", health.Header().Get("X-Content-Type-Options"))

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/invoices", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/jobs/health", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/webhooks/stripe", "{}", nil).Code)

	metrics := serve(router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `billpay_http_requests_total{code="200",route="/api/v1/invoices"} 1`)
}

func TestRouterGuardsOperatorAPIOnly(t *testing.T) {
	router := newTestRouter(t, &Config{AppEnv: "test", OperatorJWTSecret: operatorSecret})

	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/api/v1/invoices", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodPost, "/api/v1/extractions", "{}", nil).Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/webhooks/stripe", "{}", nil).Code)

	token := signToken(t, jwt.SigningMethodHS256, []byte(operatorSecret), jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	auth := http.Header{"Authorization": {"Bearer " + token}}
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/invoices", "", auth).Code)
}

func TestOpenRepositoryMemory(t *testing.T) {
	repo, closeFn, err := OpenRepository(context.Background(), &Config{StoreDriver: StoreMemory}, nil)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &memory.Repository{}, repo)
}

func TestOpenRepositoryUnknownDriver(t *testing.T) {
	_, _, err := OpenRepository(context.Background(), &Config{StoreDriver: "sqlite"}, nil)
	require.Error(t, err)
}

func TestNewServicesWithMemoryStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &Config{
		StoreDriver:         StoreMemory,
		RedisAddr:           mr.Addr(),
		PaymentMode:         "test",
		PaymentTimezone:     "UTC",
		PaymentWindowDays:   7,
		StripeSecretKey:     "sk_test_123",
		StripeWebhookSecret: "whsec_123",
		WebhookDedupTTL:     time.Hour,
	}

	svcs, err := NewServices(context.Background(), cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer svcs.Close()

	assert.NotNil(t, svcs.Redis)
	assert.Equal(t, gateway.ModeTest, svcs.Gateway.Mode())

	report, err := svcs.Engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Processed())
	assert.False(t, mr.Exists(shared.CycleLockKey))
}

func TestNewServicesRunsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	cfg := &Config{
		StoreDriver:         StoreMemory,
		RedisAddr:           addr,
		PaymentMode:         "test",
		StripeSecretKey:     "sk_test_123",
		StripeWebhookSecret: "whsec_123",
	}

	svcs, err := NewServices(context.Background(), cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer svcs.Close()
	assert.Nil(t, svcs.Redis)

	_, err = svcs.Engine.RunCycle(context.Background())
	require.NoError(t, err)
}
