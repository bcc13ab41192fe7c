package extraction_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/billpay/internal/extraction"
	"github.com/odyssey-erp/billpay/internal/invoice"
	"github.com/odyssey-erp/billpay/internal/invoice/memory"
)

func str(s string) *string { return &s }

func newConsumer() (*extraction.Consumer, *memory.Repository) {
	repo := memory.NewRepository()
	svc := invoice.NewService(repo, nil, nil)
	return extraction.NewConsumer(svc, nil), repo
}

func sampleResult() extraction.Result {
	return extraction.Result{
		Success:         true,
		VendorName:      str("Acme GmbH"),
		ReferenceID:     str("INV-2024-001"),
		DueDate:         str("2024-01-10"),
		Amount:          str("453.53"),
		Currency:        str("eur"),
		SourceReference: "s3://invoices/acme.eml",
		RequestID:       "req-1",
	}
}

func TestConsumeCreatesReceivedRecord(t *testing.T) {
	consumer, repo := newConsumer()

	rec, created, err := consumer.Consume(context.Background(), sampleResult())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, extraction.RecordID("s3://invoices/acme.eml", "req-1"), rec.ID)
	assert.Equal(t, invoice.StatusReceived, rec.Status)
	assert.Equal(t, "Acme GmbH", rec.VendorName)
	require.NotNil(t, rec.DueDate)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.January, Day: 10}, *rec.DueDate)
	require.True(t, rec.Amount.Valid)
	assert.Equal(t, "453.53", rec.Amount.Decimal.String())
	assert.Equal(t, "EUR", rec.Currency)
	assert.True(t, rec.ExtractionSucceeded)

	stored, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
}

func TestConsumeIsIdempotentPerRequest(t *testing.T) {
	consumer, repo := newConsumer()

	first, created, err := consumer.Consume(context.Background(), sampleResult())
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := consumer.Consume(context.Background(), sampleResult())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other := sampleResult()
	other.RequestID = "req-2"
	second, created, err := consumer.Consume(context.Background(), other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	all, err := repo.List(context.Background(), invoice.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConsumeFailedExtractionKeepsAuditRecord(t *testing.T) {
	consumer, _ := newConsumer()
	res := sampleResult()
	res.Success = false

	rec, created, err := consumer.Consume(context.Background(), res)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, rec.ExtractionSucceeded)
	assert.Nil(t, rec.DueDate)
	assert.False(t, rec.Amount.Valid)
	assert.Empty(t, rec.VendorName)
	assert.Equal(t, "s3://invoices/acme.eml", rec.SourceReference)
}

func TestConsumeDropsMalformedFields(t *testing.T) {
	consumer, _ := newConsumer()
	res := sampleResult()
	res.DueDate = str("10/01/2024")
	res.Amount = str("four hundred")
	res.Currency = str("EURO")

	rec, _, err := consumer.Consume(context.Background(), res)
	require.NoError(t, err)
	assert.Nil(t, rec.DueDate)
	assert.False(t, rec.Amount.Valid)
	assert.Empty(t, rec.Currency)
	assert.Equal(t, "INV-2024-001", rec.ReferenceID)
}

func TestConsumeRequiresSourceReference(t *testing.T) {
	consumer, _ := newConsumer()
	res := sampleResult()
	res.SourceReference = ""

	_, _, err := consumer.Consume(context.Background(), res)
	require.ErrorIs(t, err, invoice.ErrValidation)
}

func TestIntakeHandler(t *testing.T) {
	consumer, _ := newConsumer()
	r := chi.NewRouter()
	extraction.NewHandler(consumer, nil).MountRoutes(r)

	body, err := json.Marshal(sampleResult())
	require.NoError(t, err)

	post := func(payload []byte) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/extractions", bytes.NewReader(payload)))
		return rec
	}

	first := post(body)
	require.Equal(t, http.StatusCreated, first.Code)
	var resp invoice.RecordResponse
	require.NoError(t, json.NewDecoder(first.Body).Decode(&resp))
	assert.Equal(t, invoice.StatusReceived, resp.Status)
	require.NotNil(t, resp.Amount)
	assert.Equal(t, "453.53", *resp.Amount)

	assert.Equal(t, http.StatusOK, post(body).Code)
	assert.Equal(t, http.StatusBadRequest, post([]byte(`{"success":true,"bogus":1}`)).Code)
	assert.Equal(t, http.StatusBadRequest, post([]byte(`{"success":true}`)).Code)
}
